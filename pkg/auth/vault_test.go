package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/models"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := OpenVault(filepath.Join(t.TempDir(), "credentials.enc"), "test-passphrase")
	require.NoError(t, err)
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	v := testVault(t)

	require.NoError(t, v.Store(
		models.Account{Username: "alice", AuthBlob: `{"auth_token":"t1","ct0":"c1"}`, Status: models.StatusUsable},
		models.Account{Username: "bob", Password: "pw"},
	))

	accounts, err := v.List()
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	byName := map[string]models.Account{}
	for _, a := range accounts {
		byName[a.Username] = a
	}
	assert.Equal(t, `{"auth_token":"t1","ct0":"c1"}`, byName["alice"].AuthBlob)
	assert.Equal(t, "pw", byName["bob"].Password)
}

func TestVaultStoreMergesByUsername(t *testing.T) {
	v := testVault(t)

	require.NoError(t, v.Store(models.Account{Username: "alice", Password: "old"}))
	require.NoError(t, v.Store(models.Account{Username: "alice", Password: "new"}))

	accounts, err := v.List()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "new", accounts[0].Password)
}

func TestVaultFileIsOpaque(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Store(models.Account{Username: "alice", AuthBlob: `{"auth_token":"supersecret"}`}))

	raw, err := os.ReadFile(v.path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "supersecret")
	assert.NotContains(t, string(raw), "alice")
}

func TestVaultWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.enc")

	v, err := OpenVault(path, "right")
	require.NoError(t, err)
	require.NoError(t, v.Store(models.Account{Username: "alice"}))

	wrong, err := OpenVault(path, "wrong")
	require.NoError(t, err)
	_, err = wrong.List()
	assert.Error(t, err)
}

func TestVaultListMissingFile(t *testing.T) {
	v := testVault(t)
	accounts, err := v.List()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestVaultDelete(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Store(
		models.Account{Username: "alice"},
		models.Account{Username: "bob"},
	))

	require.NoError(t, v.Delete("alice"))
	accounts, err := v.List()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "bob", accounts[0].Username)

	// Removing the last account removes the file itself.
	require.NoError(t, v.Delete("bob"))
	_, statErr := os.Stat(v.path)
	assert.True(t, os.IsNotExist(statErr))

	assert.Error(t, v.Delete("ghost"))
}

func TestOpenVaultRejectsEmptyPassphrase(t *testing.T) {
	_, err := OpenVault(filepath.Join(t.TempDir(), "v.enc"), "")
	assert.Error(t, err)
}
