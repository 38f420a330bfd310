// Package auth imports account credentials from operator-provided
// sources and keeps them in an encrypted vault. Accounts whose material
// cannot authenticate requests yet are imported as needs_bootstrap and
// skipped by the lease pool.
package auth

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"xscraper/pkg/errors"
	"xscraper/pkg/models"
)

// rawRecord is the loosely shaped account object cookie payloads carry.
type rawRecord struct {
	Username  string          `json:"username"`
	User      string          `json:"user"`
	Handle    string          `json:"handle"`
	Password  string          `json:"password"`
	Email     string          `json:"email"`
	AuthToken string          `json:"auth_token"`
	CSRF      string          `json:"csrf"`
	CT0       string          `json:"ct0"`
	Proxy     string          `json:"proxy"`
	Cookies   json.RawMessage `json:"cookies"`
}

// LoadAccountsFile parses a credentials text file, one account per line:
//
//	username:password[:email[:email_password[:2fa[:auth_token]]]]
//
// A tab-separated suffix after the fields is treated as a proxy spec.
// Blank lines and # comments are skipped.
func LoadAccountsFile(path string) ([]models.Account, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "open accounts file")
	}
	defer file.Close()

	var accounts []models.Account
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var proxy string
		if idx := strings.IndexByte(line, '\t'); idx >= 0 {
			proxy = strings.TrimSpace(line[idx+1:])
			line = strings.TrimSpace(line[:idx])
		}

		parts := strings.Split(line, ":")
		// Auth tokens may themselves contain colons; everything past the
		// fifth separator belongs to the token.
		if len(parts) > 6 {
			parts = append(parts[:5], strings.Join(parts[5:], ":"))
		}
		for len(parts) < 6 {
			parts = append(parts, "")
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		if parts[0] == "" {
			continue
		}

		accounts = append(accounts, normalizeAccount(rawRecord{
			Username:  parts[0],
			Password:  parts[1],
			Email:     parts[2],
			AuthToken: parts[5],
			Proxy:     proxy,
		}))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "read accounts file")
	}

	return accounts, nil
}

// LoadCookiesFile parses a cookies JSON file. Accepted shapes:
//   - a list of account records
//   - a list of {name, value} cookie entries for a single account
//   - an object with an "accounts" list
//   - a single account record
//   - a mapping of username -> cookies or account payload
func LoadCookiesFile(path string) ([]models.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "read cookies file")
	}
	return ParseCookiesPayload(data)
}

// ParseCookiesPayload parses the cookies JSON shapes LoadCookiesFile
// documents.
func ParseCookiesPayload(data []byte) ([]models.Account, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "cookies payload is empty")
	}

	if strings.HasPrefix(trimmed, "[") {
		return parseCookiesList([]byte(trimmed))
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &object); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "parse cookies payload")
	}

	if accountsRaw, ok := object["accounts"]; ok {
		return parseCookiesList(accountsRaw)
	}

	if looksLikeAccountRecord(object) {
		var record rawRecord
		if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
			return nil, errors.Wrap(errors.ErrorTypeConfig, err, "parse account record")
		}
		return []models.Account{normalizeAccount(record)}, nil
	}

	if looksLikeCookieMap(object) {
		return []models.Account{normalizeAccount(rawRecord{Cookies: json.RawMessage(trimmed)})}, nil
	}

	// Mapping of username -> cookies or account payload.
	var accounts []models.Account
	for username, payload := range object {
		var record rawRecord
		if err := json.Unmarshal(payload, &record); err == nil && (record.AuthToken != "" || record.Cookies != nil || record.CT0 != "" || record.CSRF != "") {
			record.Username = username
			accounts = append(accounts, normalizeAccount(record))
			continue
		}
		accounts = append(accounts, normalizeAccount(rawRecord{Username: username, Cookies: payload}))
	}
	if len(accounts) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "cookies payload yielded no accounts")
	}
	return accounts, nil
}

// LoadEnvAccount reads a single account from a dotenv-style file with
// USERNAME/PASSWORD/EMAIL/AUTH_TOKEN/CT0 (or CSRF)/PROXY keys.
func LoadEnvAccount(path string) ([]models.Account, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "read env file")
	}

	upper := make(map[string]string, len(values))
	for key, value := range values {
		upper[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	record := rawRecord{
		Username:  upper["USERNAME"],
		Password:  upper["PASSWORD"],
		Email:     upper["EMAIL"],
		AuthToken: upper["AUTH_TOKEN"],
		CT0:       firstValue(upper["CT0"], upper["CSRF"]),
		Proxy:     upper["PROXY"],
	}
	if record.Username == "" && record.Email == "" && record.AuthToken == "" {
		return nil, nil
	}
	return []models.Account{normalizeAccount(record)}, nil
}

func parseCookiesList(data []byte) ([]models.Account, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "parse cookies list")
	}
	if len(items) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "cookies payload yielded no accounts")
	}

	// A list of {name, value} pairs is one account's cookie jar.
	if looksLikeCookieEntries(items) {
		return []models.Account{normalizeAccount(rawRecord{Cookies: data})}, nil
	}

	var records []rawRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "parse account records")
	}

	accounts := make([]models.Account, 0, len(records))
	for _, record := range records {
		account := normalizeAccount(record)
		if account.Username == "" {
			continue
		}
		accounts = append(accounts, account)
	}
	if len(accounts) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "cookies payload yielded no accounts")
	}
	return accounts, nil
}

// normalizeAccount turns a raw record into the canonical Account shape:
// tokens folded into the cookie jar, auth material serialized into the
// blob, and the usable/needs_bootstrap status derived from it.
func normalizeAccount(record rawRecord) models.Account {
	cookies := map[string]string{}
	mergeRawCookies(cookies, record.Cookies)

	authToken := firstValue(record.AuthToken, cookies["auth_token"])
	csrf := firstValue(record.CSRF, record.CT0, cookies["ct0"])

	username := firstValue(record.Username, record.User, record.Handle, record.Email)
	if username == "" && authToken != "" {
		username = "acct-" + tokenFingerprint(authToken)
	}

	account := models.Account{
		Username: username,
		Password: record.Password,
		Email:    record.Email,
		Proxy:    record.Proxy,
		Status:   models.StatusNeedsBootstrap,
	}

	if authToken != "" {
		cookies["auth_token"] = authToken
	}
	if csrf != "" {
		cookies["ct0"] = csrf
	}
	if authToken != "" && csrf != "" {
		account.Status = models.StatusUsable
	}

	if len(cookies) > 0 {
		blob, err := json.Marshal(struct {
			AuthToken string            `json:"auth_token,omitempty"`
			CT0       string            `json:"ct0,omitempty"`
			Cookies   map[string]string `json:"cookies"`
		}{AuthToken: authToken, CT0: csrf, Cookies: cookies})
		if err == nil {
			account.AuthBlob = string(blob)
		}
	}

	return account
}

func mergeRawCookies(into map[string]string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}

	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err == nil {
		for name, value := range flat {
			if name != "" {
				into[name] = value
			}
		}
		return
	}

	var entries []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &entries); err == nil {
		for _, e := range entries {
			if e.Name != "" {
				into[e.Name] = e.Value
			}
		}
	}
}

func looksLikeAccountRecord(object map[string]json.RawMessage) bool {
	for _, key := range []string{"username", "user", "handle", "auth_token", "cookies"} {
		if _, ok := object[key]; ok {
			return true
		}
	}
	return false
}

func looksLikeCookieMap(object map[string]json.RawMessage) bool {
	// A raw cookie jar carries the session cookie names directly.
	_, hasToken := object["ct0"]
	if !hasToken {
		_, hasToken = object["twid"]
	}
	return hasToken
}

func looksLikeCookieEntries(items []map[string]json.RawMessage) bool {
	for _, item := range items {
		_, hasName := item["name"]
		_, hasValue := item["value"]
		if !hasName || !hasValue {
			return false
		}
	}
	return true
}

func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

func firstValue(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
