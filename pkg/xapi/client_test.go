package xapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/config"
	"xscraper/pkg/cooldown"
	"xscraper/pkg/models"
)

func testAccount() *models.Account {
	return &models.Account{
		ID:       "acct-1",
		Username: "alice",
		AuthBlob: `{"auth_token":"tok","ct0":"csrf"}`,
	}
}

func testClient(baseURL string, req models.SearchRequest) *Client {
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.API.Timeout = 5 * time.Second
	return New(cfg, req)
}

func searchTask() *models.Task {
	return &models.Task{
		ID:    "task-1",
		Kind:  "search",
		Since: "2024-01-01_00:00:00_UTC",
		Until: "2024-01-02_00:00:00_UTC",
	}
}

func TestFetchPageSuccess(t *testing.T) {
	var gotReq *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		w.Header().Set("X-Rate-Limit-Remaining", "49")
		w.Write([]byte(sampleTimeline))
	}))
	defer server.Close()

	c := testClient(server.URL, models.SearchRequest{AnyWords: []string{"golang"}})
	page, err := c.FetchPage(context.Background(), testAccount(), searchTask(), "prev-cursor", 25)
	require.NoError(t, err)

	assert.Equal(t, 200, page.HTTPStatus)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.ResultCount)
	assert.Equal(t, "scroll:next-page", page.NextCursor)
	assert.Equal(t, "49", page.Headers["x-rate-limit-remaining"])

	require.NotNil(t, gotReq)
	assert.Equal(t, "Bearer "+DefaultBearerToken, gotReq.Header.Get("Authorization"))
	assert.Equal(t, "csrf", gotReq.Header.Get("X-Csrf-Token"))
	assert.Contains(t, gotReq.Header.Get("Cookie"), "auth_token=tok")
	assert.Contains(t, gotReq.Header.Get("Cookie"), "ct0=csrf")

	variables := gotReq.URL.Query().Get("variables")
	assert.Contains(t, variables, "(golang)")
	assert.Contains(t, variables, "since:2024-01-01_00:00:00")
	assert.Contains(t, variables, `"cursor":"prev-cursor"`)
	assert.Contains(t, variables, `"count":25`)
	assert.NotEmpty(t, gotReq.URL.Query().Get("features"))
}

func TestFetchPageProfileTaskUsesFromOperator(t *testing.T) {
	var rawQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.Query().Get("variables")
		w.Write([]byte(`{"data":{}}`))
	}))
	defer server.Close()

	c := testClient(server.URL, models.SearchRequest{})
	task := &models.Task{ID: "p1", Kind: "profile", Handle: "@alice"}
	page, err := c.FetchPage(context.Background(), testAccount(), task, "", 0)
	require.NoError(t, err)

	assert.Equal(t, 200, page.HTTPStatus)
	assert.Contains(t, rawQuery, "from:alice")
	assert.NotContains(t, rawQuery, "@")
}

func TestFetchPageNon200PassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Rate-Limit-Reset", "1700000000")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(server.URL, models.SearchRequest{})
	page, err := c.FetchPage(context.Background(), testAccount(), searchTask(), "", 0)
	require.NoError(t, err)

	assert.Equal(t, 429, page.HTTPStatus)
	assert.Equal(t, "1700000000", page.Headers["x-rate-limit-reset"])
	assert.Empty(t, page.Items)
}

func TestFetchPageDecodeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	c := testClient(server.URL, models.SearchRequest{})
	page, err := c.FetchPage(context.Background(), testAccount(), searchTask(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, cooldown.StatusDecodeFailed, page.HTTPStatus)
}

func TestFetchPageNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	c := testClient(server.URL, models.SearchRequest{})
	page, err := c.FetchPage(context.Background(), testAccount(), searchTask(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, cooldown.StatusNetworkFailed, page.HTTPStatus)
}

func TestFetchPageGraphQLErrorMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Rate limit exceeded"}]}`))
	}))
	defer server.Close()

	c := testClient(server.URL, models.SearchRequest{})
	page, err := c.FetchPage(context.Background(), testAccount(), searchTask(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, 429, page.HTTPStatus)
}

func TestFetchPageMissingAuthMaterial(t *testing.T) {
	c := testClient("http://unused.invalid", models.SearchRequest{})
	account := &models.Account{ID: "a", Username: "noauth", AuthBlob: ""}

	page, err := c.FetchPage(context.Background(), account, searchTask(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, 401, page.HTTPStatus)
}

func TestFetchPageContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := testClient(server.URL, models.SearchRequest{})
	_, err := c.FetchPage(ctx, testAccount(), searchTask(), "", 0)
	assert.Error(t, err)
}

func TestPrepareAuthShapes(t *testing.T) {
	cases := []struct {
		name string
		blob string
		ok   bool
	}{
		{"token fields", `{"auth_token":"t","ct0":"c"}`, true},
		{"csrf alias", `{"auth_token":"t","csrf":"c"}`, true},
		{"flat cookie map", `{"auth_token":"t","ct0":"c","other":"x"}`, true},
		{"cookie list", `[{"name":"auth_token","value":"t"},{"name":"ct0","value":"c"}]`, true},
		{"nested cookies", `{"cookies":{"auth_token":"t","ct0":"c"}}`, true},
		{"missing csrf", `{"auth_token":"t"}`, false},
		{"missing auth token", `{"ct0":"c"}`, false},
		{"empty", ``, false},
		{"garbage", `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			account := &models.Account{Username: "u", AuthBlob: tc.blob}
			material, err := prepareAuth(account, DefaultBearerToken)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t", material.authToken)
			assert.Equal(t, "c", material.csrfToken)
			assert.NotEmpty(t, material.bearer)
		})
	}
}

func TestPrepareAuthBearerOverride(t *testing.T) {
	account := &models.Account{Username: "u", AuthBlob: `{"auth_token":"t","ct0":"c","bearer":"Bearer custom-token"}`}
	material, err := prepareAuth(account, DefaultBearerToken)
	require.NoError(t, err)
	assert.Equal(t, "custom-token", material.bearer)
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, 25, clampPageSize(25, 20))
	assert.Equal(t, 20, clampPageSize(0, 20))
	assert.Equal(t, 100, clampPageSize(500, 20))
	assert.Equal(t, 20, clampPageSize(0, 0))
}
