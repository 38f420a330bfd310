package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"xscraper/pkg/errors"
)

const (
	keyringService = "xscraper"
	keyringKey     = "vault-passphrase"
)

// ResolvePassphrase finds the vault passphrase, in order: the
// XSCRAPER_PASSPHRASE environment variable, the system keychain, a
// terminal prompt. A keychain miss with a working keychain generates
// and stores a fresh passphrase so later runs need no prompt.
func ResolvePassphrase() (string, error) {
	if pass := strings.TrimSpace(os.Getenv("XSCRAPER_PASSPHRASE")); pass != "" {
		return pass, nil
	}

	pass, err := keyring.Get(keyringService, keyringKey)
	if err == nil && pass != "" {
		return pass, nil
	}
	if err == keyring.ErrNotFound {
		generated := generatePassphrase()
		if setErr := keyring.Set(keyringService, keyringKey, generated); setErr == nil {
			return generated, nil
		}
	}

	// No keychain: fall back to asking the operator.
	return PromptPassphrase("Vault passphrase: ")
}

// PromptPassphrase reads a passphrase from the terminal without echo.
func PromptPassphrase(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New(errors.ErrorTypeConfig,
			"no passphrase available: set XSCRAPER_PASSPHRASE or run interactively")
	}

	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(errors.ErrorTypeConfig, err, "read passphrase")
	}

	pass := strings.TrimSpace(string(raw))
	if pass == "" {
		return "", errors.New(errors.ErrorTypeConfig, "empty passphrase")
	}
	return pass, nil
}

func generatePassphrase() string {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		// rand.Reader failing means something is deeply wrong; an empty
		// passphrase is rejected downstream.
		return ""
	}
	return base64.URLEncoding.EncodeToString(b)
}
