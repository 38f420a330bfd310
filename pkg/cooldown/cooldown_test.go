package cooldown

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		err     error
		want    Kind
	}{
		{"ok", 200, nil, nil, KindSuccess},
		{"unauthorized", 401, nil, nil, KindAuth},
		{"forbidden", 403, nil, nil, KindAuth},
		{"not found", 404, nil, nil, KindAuth},
		{"too many requests", 429, nil, nil, KindRateLimited},
		{"server error", 500, nil, nil, KindTransient},
		{"bad gateway", 502, nil, nil, KindTransient},
		{"decode failure", StatusDecodeFailed, nil, nil, KindTransient},
		{"network failure", StatusNetworkFailed, nil, nil, KindTransient},
		{"transport error without status", 0, nil, errors.New("dial tcp: refused"), KindTransient},
		{"ok with exhausted quota", 200, map[string]string{"x-rate-limit-remaining": "0"}, nil, KindRateLimited},
		{"ok with remaining quota", 200, map[string]string{"x-rate-limit-remaining": "7"}, nil, KindSuccess},
		{"unexpected 4xx", 418, nil, nil, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.status, tt.headers, tt.err); got != tt.want {
				t.Errorf("Classify(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func fixedPolicy(now time.Time) *Policy {
	p := NewPolicy(15*time.Minute, 2*time.Minute, 720*time.Hour, 0)
	p.now = func() time.Time { return now }
	return p
}

func TestAvailableAtPerKind(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := fixedPolicy(now)

	if got := p.AvailableAt(KindSuccess, nil); !got.IsZero() {
		t.Errorf("success should carry no cooldown, got %v", got)
	}
	if got := p.AvailableAt(KindAuth, nil); !got.Equal(now.Add(720 * time.Hour)) {
		t.Errorf("auth cooldown = %v", got)
	}
	if got := p.AvailableAt(KindPermanent, nil); !got.Equal(now.Add(720 * time.Hour)) {
		t.Errorf("permanent should match auth severity, got %v", got)
	}
	if got := p.AvailableAt(KindTransient, nil); !got.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("transient cooldown = %v", got)
	}
	if got := p.AvailableAt(KindRateLimited, nil); !got.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("rate limit default cooldown = %v", got)
	}
}

func TestRateLimitHonorsResetHeader(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := fixedPolicy(now)

	reset := now.Add(5 * time.Minute)
	headers := map[string]string{"x-rate-limit-reset": fmt.Sprintf("%d", reset.Unix())}

	if got := p.AvailableAt(KindRateLimited, headers); !got.Equal(time.Unix(reset.Unix(), 0)) {
		t.Errorf("expected reset header to win, got %v", got)
	}

	// A reset in the past falls back to the default window.
	stale := map[string]string{"x-rate-limit-reset": fmt.Sprintf("%d", now.Add(-time.Minute).Unix())}
	if got := p.AvailableAt(KindRateLimited, stale); !got.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("expected default window for stale reset, got %v", got)
	}
}

func TestJitterBounded(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPolicy(10*time.Minute, time.Minute, time.Hour, 30*time.Second)
	p.now = func() time.Time { return now }
	p.rand = func() float64 { return 0.5 }

	got := p.AvailableAt(KindTransient, nil)
	want := now.Add(time.Minute + 15*time.Second)
	if !got.Equal(want) {
		t.Errorf("jittered transient cooldown = %v, want %v", got, want)
	}
}
