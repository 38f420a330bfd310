// Package cooldown classifies fetch outcomes and computes how long a
// failing account stays out of the lease pool.
package cooldown

import (
	"math/rand"
	"strconv"
	"time"
)

// Kind is the failure class a fetch outcome maps to.
type Kind string

const (
	KindSuccess     Kind = "success"
	KindAuth        Kind = "auth_failed"
	KindRateLimited Kind = "rate_limit"
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
)

// Synthetic status codes the fetch layer reports for failures that never
// produced an HTTP response.
const (
	StatusDecodeFailed  = 598
	StatusNetworkFailed = 599
)

// Policy computes unavailability windows per failure class. All windows
// receive additive random jitter in [0, Jitter] to desynchronize retries
// across accounts.
type Policy struct {
	Default   time.Duration
	Transient time.Duration
	Auth      time.Duration
	Jitter    time.Duration

	now  func() time.Time
	rand func() float64
}

// NewPolicy creates a cooldown policy with the given windows.
func NewPolicy(def, transient, auth, jitter time.Duration) *Policy {
	return &Policy{
		Default:   def,
		Transient: transient,
		Auth:      auth,
		Jitter:    jitter,
		now:       time.Now,
		rand:      rand.Float64,
	}
}

// Classify maps an HTTP status, response headers, and transport error to a
// failure kind. A 200 whose remaining-quota header reads zero counts as
// rate limited: the quota is spent even though the page arrived.
func Classify(status int, headers map[string]string, err error) Kind {
	if err != nil && status == 0 {
		return KindTransient
	}

	switch status {
	case 401, 403, 404:
		return KindAuth
	case 429:
		return KindRateLimited
	}

	if status == StatusDecodeFailed || status == StatusNetworkFailed {
		return KindTransient
	}
	if status >= 500 && status < 600 {
		return KindTransient
	}

	if status >= 200 && status < 300 {
		if remaining, ok := headerInt(headers, "x-rate-limit-remaining"); ok && remaining <= 0 {
			return KindRateLimited
		}
		return KindSuccess
	}

	// Unclassified 4xx fails safe at auth severity.
	return KindPermanent
}

// AvailableAt computes when the account becomes leasable again after a
// failure of the given kind. Rate limits honor the server's reset header
// when it points into the future.
func (p *Policy) AvailableAt(kind Kind, headers map[string]string) time.Time {
	now := p.now()

	switch kind {
	case KindSuccess:
		return time.Time{}
	case KindAuth, KindPermanent:
		return now.Add(p.Auth)
	case KindRateLimited:
		if reset, ok := headerInt(headers, "x-rate-limit-reset"); ok {
			at := time.Unix(int64(reset), 0)
			if at.After(now) {
				return at
			}
		}
		return now.Add(p.Default + p.jitter())
	case KindTransient:
		return now.Add(p.Transient + p.jitter())
	}
	return now.Add(p.Default + p.jitter())
}

func (p *Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	return time.Duration(p.rand() * float64(p.Jitter))
}

func headerInt(headers map[string]string, key string) (int, bool) {
	if headers == nil {
		return 0, false
	}
	value, ok := headers[key]
	if !ok {
		// Header maps arrive lowercased from the fetch layer, but accept
		// the canonical form too.
		value, ok = headers[canonical(key)]
	}
	if !ok || value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func canonical(key string) string {
	switch key {
	case "x-rate-limit-remaining":
		return "X-Rate-Limit-Remaining"
	case "x-rate-limit-reset":
		return "X-Rate-Limit-Reset"
	}
	return key
}
