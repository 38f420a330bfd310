package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"xscraper/pkg/errors"
	"xscraper/pkg/models"
)

const (
	vaultSaltSize   = 32
	vaultKeySize    = 32
	vaultIterations = 100000
)

// Vault is an encrypted at-rest store for account credentials, keyed by
// username. The file holds a random salt and an AES-GCM sealed JSON
// payload under a PBKDF2-derived key.
type Vault struct {
	path       string
	passphrase string
	mu         sync.Mutex
}

type vaultFile struct {
	Salt      string    `json:"salt"`
	Encrypted string    `json:"encrypted"`
	Version   int       `json:"version"`
	Modified  time.Time `json:"modified"`
}

// OpenVault opens (or prepares to create) the vault at path.
func OpenVault(path, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "vault passphrase is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrap(errors.ErrorTypeStorage, err, "create vault directory")
		}
	}
	return &Vault{path: path, passphrase: passphrase}, nil
}

// Store merges the given accounts into the vault, replacing entries with
// the same username.
func (v *Vault) Store(accounts ...models.Account) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, salt, err := v.load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if existing == nil {
		existing = map[string]models.Account{}
	}

	for _, account := range accounts {
		if account.Username == "" {
			continue
		}
		existing[account.Username] = account
	}

	return v.save(existing, salt)
}

// List returns the stored accounts. A missing vault file is an empty
// vault, not an error.
func (v *Vault) List() ([]models.Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	accounts, _, err := v.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]models.Account, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, account)
	}
	return out, nil
}

// Delete removes one account; deleting the last account removes the file.
func (v *Vault) Delete(username string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	accounts, salt, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := accounts[username]; !ok {
		return errors.New(errors.ErrorTypeStorage, "account not in vault: "+username)
	}
	delete(accounts, username)

	if len(accounts) == 0 {
		return os.Remove(v.path)
	}
	return v.save(accounts, salt)
}

func (v *Vault) load() (map[string]models.Account, []byte, error) {
	content, err := os.ReadFile(v.path)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrorTypeStorage, err, "read vault")
	}

	var file vaultFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, nil, errors.Wrap(errors.ErrorTypeStorage, err, "parse vault file")
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrorTypeStorage, err, "decode vault salt")
	}
	sealed, err := base64.StdEncoding.DecodeString(file.Encrypted)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrorTypeStorage, err, "decode vault payload")
	}

	key := pbkdf2.Key([]byte(v.passphrase), salt, vaultIterations, vaultKeySize, sha256.New)
	plaintext, err := decrypt(sealed, key)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrorTypeAuth, err, "decrypt vault (wrong passphrase?)")
	}

	var accounts map[string]models.Account
	if err := json.Unmarshal(plaintext, &accounts); err != nil {
		return nil, nil, errors.Wrap(errors.ErrorTypeStorage, err, "parse vault accounts")
	}
	return accounts, salt, nil
}

func (v *Vault) save(accounts map[string]models.Account, salt []byte) error {
	if len(salt) == 0 {
		salt = make([]byte, vaultSaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "generate vault salt")
		}
	}

	plaintext, err := json.Marshal(accounts)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "marshal vault accounts")
	}

	key := pbkdf2.Key([]byte(v.passphrase), salt, vaultIterations, vaultKeySize, sha256.New)
	sealed, err := encrypt(plaintext, key)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "encrypt vault")
	}

	content, err := json.MarshalIndent(vaultFile{
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Encrypted: base64.StdEncoding.EncodeToString(sealed),
		Version:   1,
		Modified:  time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "marshal vault file")
	}

	// Write-then-rename keeps the previous vault intact on a crash.
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "write vault")
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "replace vault")
	}
	return nil
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New(errors.ErrorTypeAuth, "vault payload too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
