package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/models"
)

func record(id, text string) models.TweetRecord {
	return models.TweetRecord{
		TweetID:  id,
		Text:     text,
		User:     models.TweetUser{ScreenName: "alice", Name: "Alice"},
		Likes:    3,
		TweetURL: "https://x.com/alice/status/" + id,
		Media:    models.TweetMedia{ImageLinks: []string{"https://pbs.example/a.jpg"}},
	}
}

func TestCSVWriterStreamsAndDedupes(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "csv", "run")
	require.NoError(t, err)

	n, err := w.Persist([]models.TweetRecord{record("1", "first"), record("2", "second")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Page two overlaps page one; only the new row lands.
	n, err = w.Persist([]models.TweetRecord{record("2", "second"), record("3", "third")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, w.Close())

	file, err := os.Open(filepath.Join(dir, "run.csv"))
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4) // header + 3 rows
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "3", rows[3][0])
	assert.Equal(t, "https://x.com/alice/status/1", rows[1][1])
}

func TestCSVPartialOutputSurvivesWithoutClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "csv", "crash")
	require.NoError(t, err)

	_, err = w.Persist([]models.TweetRecord{record("1", "only page")})
	require.NoError(t, err)

	// Read before Close: the page flush must have reached the file.
	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "only page")

	require.NoError(t, w.Close())
}

func TestJSONLWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "jsonl", "run")
	require.NoError(t, err)

	_, err = w.Persist([]models.TweetRecord{record("1", "a"), record("1", "dup"), record("2", "b")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	file, err := os.Open(filepath.Join(dir, "run.jsonl"))
	require.NoError(t, err)
	defer file.Close()

	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec models.TweetRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ids = append(ids, rec.TweetID)
	}
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestNewWriterRejectsUnknownFormat(t *testing.T) {
	_, err := NewWriter(t.TempDir(), "parquet", "run")
	assert.Error(t, err)
}

func TestNewWriterDerivesName(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "csv", "")
	require.NoError(t, err)
	defer w.Close()

	assert.Contains(t, filepath.Base(w.Path()), "tweets_")
}
