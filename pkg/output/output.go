// Package output streams collected tweets to disk as they arrive, one
// page at a time, so a killed run keeps everything fetched so far.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"xscraper/pkg/errors"
	"xscraper/pkg/models"
)

// Writer persists tweet pages. Persist reports how many rows were
// written after dedupe; Close flushes and releases the file.
type Writer interface {
	Persist(items []models.TweetRecord) (int, error)
	Close() error
	Path() string
}

var csvHeader = []string{
	"tweet_id",
	"tweet_url",
	"timestamp",
	"screen_name",
	"name",
	"text",
	"comments",
	"likes",
	"retweets",
	"image_links",
}

// NewWriter opens a streaming writer in dir using the given format
// ("csv" or "jsonl"). An empty name derives one from the current time.
func NewWriter(dir, format, name string) (Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "create output directory")
	}

	if name == "" {
		name = "tweets_" + time.Now().UTC().Format("20060102_150405")
	}

	switch strings.ToLower(format) {
	case "csv":
		return newCSVWriter(filepath.Join(dir, name+".csv"))
	case "jsonl":
		return newJSONLWriter(filepath.Join(dir, name+".jsonl"))
	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unsupported output format %q", format))
	}
}

type csvWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	seen   map[string]bool
	path   string
}

func newCSVWriter(path string) (*csvWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "create csv output")
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "write csv header")
	}
	writer.Flush()

	return &csvWriter{
		file:   file,
		writer: writer,
		seen:   make(map[string]bool),
		path:   path,
	}, nil
}

func (w *csvWriter) Persist(items []models.TweetRecord) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	written := 0
	for _, item := range items {
		if item.TweetID != "" && w.seen[item.TweetID] {
			continue
		}
		if item.TweetID != "" {
			w.seen[item.TweetID] = true
		}
		if err := w.writer.Write(csvRow(item)); err != nil {
			return written, errors.Wrap(errors.ErrorTypeStorage, err, "write csv row")
		}
		written++
	}

	// Flush per page: partial output must survive a crash.
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return written, errors.Wrap(errors.ErrorTypeStorage, err, "flush csv output")
	}
	return written, nil
}

func (w *csvWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return errors.Wrap(errors.ErrorTypeStorage, err, "flush csv output")
	}
	return w.file.Close()
}

func (w *csvWriter) Path() string { return w.path }

func csvRow(item models.TweetRecord) []string {
	return []string{
		item.TweetID,
		item.TweetURL,
		item.Timestamp,
		item.User.ScreenName,
		item.User.Name,
		item.Text,
		strconv.Itoa(item.Comments),
		strconv.Itoa(item.Likes),
		strconv.Itoa(item.Retweets),
		strings.Join(item.Media.ImageLinks, " "),
	}
}

type jsonlWriter struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	seen    map[string]bool
	path    string
}

func newJSONLWriter(path string) (*jsonlWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "create jsonl output")
	}
	return &jsonlWriter{
		file:    file,
		encoder: json.NewEncoder(file),
		seen:    make(map[string]bool),
		path:    path,
	}, nil
}

func (w *jsonlWriter) Persist(items []models.TweetRecord) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	written := 0
	for _, item := range items {
		if item.TweetID != "" && w.seen[item.TweetID] {
			continue
		}
		if item.TweetID != "" {
			w.seen[item.TweetID] = true
		}
		if err := w.encoder.Encode(item); err != nil {
			return written, errors.Wrap(errors.ErrorTypeStorage, err, "write jsonl row")
		}
		written++
	}
	return written, nil
}

func (w *jsonlWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *jsonlWriter) Path() string { return w.path }
