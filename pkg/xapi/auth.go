package xapi

import (
	"encoding/json"
	"sort"
	"strings"

	"xscraper/pkg/errors"
	"xscraper/pkg/models"
)

// DefaultBearerToken is the public web bearer token GraphQL calls carry
// when the account material does not supply its own.
const DefaultBearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

// authMaterial is the per-account request material extracted from the
// stored auth blob: session cookies plus the tokens derived from them.
type authMaterial struct {
	authToken string
	csrfToken string
	bearer    string
	cookies   map[string]string
}

// authBlob covers the shapes an auth blob may take: a flat object with
// token fields, optionally carrying a nested cookie payload.
type authBlob struct {
	AuthToken string          `json:"auth_token"`
	CSRF      string          `json:"csrf"`
	CT0       string          `json:"ct0"`
	Bearer    string          `json:"bearer"`
	Cookies   json.RawMessage `json:"cookies"`
}

type cookieEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// prepareAuth extracts request material from an account. A blob that
// cannot yield both an auth token and a csrf token is an auth failure:
// the account cannot make authenticated calls.
func prepareAuth(account *models.Account, defaultBearer string) (*authMaterial, error) {
	blob := strings.TrimSpace(account.AuthBlob)
	if blob == "" {
		return nil, errors.New(errors.ErrorTypeAuth, "account has no auth material")
	}

	cookies := map[string]string{}
	var parsed authBlob

	switch {
	case strings.HasPrefix(blob, "["):
		// A bare cookie list, the browser-export format.
		var entries []cookieEntry
		if err := json.Unmarshal([]byte(blob), &entries); err != nil {
			return nil, errors.Wrap(errors.ErrorTypeAuth, err, "parse cookie list")
		}
		for _, e := range entries {
			if e.Name != "" {
				cookies[e.Name] = e.Value
			}
		}
	default:
		if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
			return nil, errors.Wrap(errors.ErrorTypeAuth, err, "parse auth blob")
		}
		mergeCookiePayload(cookies, parsed.Cookies)
		if parsed.AuthToken == "" && parsed.CSRF == "" && parsed.CT0 == "" && len(cookies) == 0 {
			// Flat name->value cookie map.
			var flat map[string]string
			if err := json.Unmarshal([]byte(blob), &flat); err == nil {
				for name, value := range flat {
					cookies[name] = value
				}
			}
		}
	}

	authToken := firstNonEmpty(parsed.AuthToken, cookies["auth_token"])
	csrfToken := firstNonEmpty(parsed.CSRF, parsed.CT0, cookies["ct0"])
	bearer := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parsed.Bearer), "Bearer "))
	if bearer == "" {
		bearer = defaultBearer
	}

	if authToken == "" {
		return nil, errors.New(errors.ErrorTypeAuth, "auth blob missing auth_token")
	}
	if csrfToken == "" {
		return nil, errors.New(errors.ErrorTypeAuth, "auth blob missing csrf token")
	}

	cookies["auth_token"] = authToken
	cookies["ct0"] = csrfToken

	return &authMaterial{
		authToken: authToken,
		csrfToken: csrfToken,
		bearer:    bearer,
		cookies:   cookies,
	}, nil
}

// cookieHeader renders the cookie map as a Cookie header value with a
// stable ordering.
func (m *authMaterial) cookieHeader() string {
	names := make([]string, 0, len(m.cookies))
	for name := range m.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+m.cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func mergeCookiePayload(into map[string]string, raw json.RawMessage) {
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

	var entries []cookieEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		for _, e := range entries {
			if e.Name != "" {
				into[e.Name] = e.Value
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
