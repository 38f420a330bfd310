package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAccountsFile(t *testing.T) {
	path := writeFile(t, "accounts.txt", `
# fleet one
alice:pw1:alice@example.com
bob:pw2:bob@example.com:mailpw:OTPSECRET:tok-with:colon
carol:pw3	http://proxy.example:8080

`)

	accounts, err := LoadAccountsFile(path)
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	alice := accounts[0]
	assert.Equal(t, "alice", alice.Username)
	assert.Equal(t, "pw1", alice.Password)
	assert.Equal(t, "alice@example.com", alice.Email)
	assert.Equal(t, models.StatusNeedsBootstrap, alice.Status, "no auth token means bootstrap first")

	bob := accounts[1]
	assert.Equal(t, "bob", bob.Username)
	assert.Contains(t, bob.AuthBlob, "tok-with:colon", "token colons must survive splitting")
	// A token without a csrf cookie still cannot authenticate calls.
	assert.Equal(t, models.StatusNeedsBootstrap, bob.Status)

	carol := accounts[2]
	assert.Equal(t, "http://proxy.example:8080", carol.Proxy)
}

func TestLoadCookiesFileAccountList(t *testing.T) {
	path := writeFile(t, "cookies.json", `[
		{"username":"alice","auth_token":"t1","ct0":"c1"},
		{"username":"bob","cookies":{"auth_token":"t2","ct0":"c2","lang":"en"}}
	]`)

	accounts, err := LoadCookiesFile(path)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "alice", accounts[0].Username)
	assert.Equal(t, models.StatusUsable, accounts[0].Status)
	assert.Contains(t, accounts[0].AuthBlob, `"auth_token":"t1"`)

	assert.Equal(t, models.StatusUsable, accounts[1].Status)
	assert.Contains(t, accounts[1].AuthBlob, `"lang":"en"`)
}

func TestLoadCookiesFileSingleCookieList(t *testing.T) {
	path := writeFile(t, "cookies.json", `[
		{"name":"auth_token","value":"t"},
		{"name":"ct0","value":"c"},
		{"name":"lang","value":"en"}
	]`)

	accounts, err := LoadCookiesFile(path)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	account := accounts[0]
	assert.Equal(t, models.StatusUsable, account.Status)
	// No username anywhere: one is derived from the token.
	assert.Contains(t, account.Username, "acct-")
}

func TestLoadCookiesFileUsernameMapping(t *testing.T) {
	path := writeFile(t, "cookies.json", `{
		"alice": {"auth_token":"t1","ct0":"c1"},
		"bob":   {"auth_token":"t2","ct0":"c2"}
	}`)

	accounts, err := LoadCookiesFile(path)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	names := map[string]bool{}
	for _, account := range accounts {
		names[account.Username] = true
		assert.Equal(t, models.StatusUsable, account.Status)
	}
	assert.True(t, names["alice"])
	assert.True(t, names["bob"])
}

func TestLoadCookiesFileAccountsObject(t *testing.T) {
	path := writeFile(t, "cookies.json", `{"accounts":[{"username":"alice","auth_token":"t","ct0":"c"}]}`)

	accounts, err := LoadCookiesFile(path)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "alice", accounts[0].Username)
}

func TestLoadCookiesFileRejectsGarbage(t *testing.T) {
	path := writeFile(t, "cookies.json", `"just a string"`)
	_, err := LoadCookiesFile(path)
	assert.Error(t, err)
}

func TestLoadEnvAccount(t *testing.T) {
	path := writeFile(t, "account.env", `
USERNAME=alice
PASSWORD=pw
AUTH_TOKEN=tok
CT0=csrf
PROXY=http://proxy.example:8080
`)

	accounts, err := LoadEnvAccount(path)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	account := accounts[0]
	assert.Equal(t, "alice", account.Username)
	assert.Equal(t, models.StatusUsable, account.Status)
	assert.Equal(t, "http://proxy.example:8080", account.Proxy)
	assert.Contains(t, account.AuthBlob, `"ct0":"csrf"`)
}

func TestLoadEnvAccountEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.env", "UNRELATED=1\n")
	accounts, err := LoadEnvAccount(path)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
