package models

import "time"

// AccountStatus describes whether an account can be leased for work.
type AccountStatus string

const (
	// StatusUsable means the account has working auth material.
	StatusUsable AccountStatus = "usable"
	// StatusUnusable means the account was retired by an operator or a
	// permanent failure and must not be leased.
	StatusUnusable AccountStatus = "unusable"
	// StatusNeedsBootstrap means the account has credentials but no
	// cookies/tokens yet; it is skipped until provisioned.
	StatusNeedsBootstrap AccountStatus = "needs_bootstrap"
)

// Account is a stored identity used to authenticate outbound requests.
// Lease fields are inlined: a non-empty LeaseID with LeaseExpiresAt in the
// future means the account is checked out by a running task.
type Account struct {
	ID       string        `json:"id"`
	Username string        `json:"username"`
	Password string        `json:"password,omitempty"`
	Email    string        `json:"email,omitempty"`
	Status   AccountStatus `json:"status"`

	// AuthBlob is the opaque cookie/token material forwarded to the
	// fetcher. The scheduler never inspects it.
	AuthBlob string `json:"auth_blob,omitempty"`
	Proxy    string `json:"proxy,omitempty"`

	// AvailableAt encodes cooldown: the account must not be leased
	// before this instant.
	AvailableAt    time.Time `json:"available_at"`
	CooldownReason string    `json:"cooldown_reason,omitempty"`
	LastErrorCode  int       `json:"last_error_code,omitempty"`

	LeaseID        string    `json:"lease_id,omitempty"`
	LeaseTaskID    string    `json:"lease_task_id,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	RequestsToday int    `json:"requests_today"`
	ItemsToday    int    `json:"items_today"`
	CounterDay    string `json:"counter_day,omitempty"` // UTC date the counters belong to

	LastRequestAt time.Time `json:"last_request_at,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Leased reports whether the account holds a live lease at the given instant.
func (a *Account) Leased(now time.Time) bool {
	return a.LeaseID != "" && a.LeaseExpiresAt.After(now)
}

// Lease is a time-bounded exclusive claim on one account by one task.
type Lease struct {
	ID        string
	AccountID string
	TaskID    string
	ExpiresAt time.Time
}

// SearchRequest describes a tweet search over a date window.
type SearchRequest struct {
	Since string `json:"since"`
	Until string `json:"until,omitempty"`

	SearchQuery     string   `json:"search_query,omitempty"`
	AllWords        []string `json:"all_words,omitempty"`
	AnyWords        []string `json:"any_words,omitempty"`
	ExactPhrases    []string `json:"exact_phrases,omitempty"`
	ExcludeWords    []string `json:"exclude_words,omitempty"`
	HashtagsAny     []string `json:"hashtags_any,omitempty"`
	HashtagsExclude []string `json:"hashtags_exclude,omitempty"`
	FromUsers       []string `json:"from_users,omitempty"`
	ToUsers         []string `json:"to_users,omitempty"`
	MentioningUsers []string `json:"mentioning_users,omitempty"`
	Lang            string   `json:"lang,omitempty"`
	MinLikes        int      `json:"min_likes,omitempty"`
	MinReplies      int      `json:"min_replies,omitempty"`
	MinRetweets     int      `json:"min_retweets,omitempty"`
	VerifiedOnly    bool     `json:"verified_only,omitempty"`
	HasImages       bool     `json:"has_images,omitempty"`
	HasVideos       bool     `json:"has_videos,omitempty"`
	HasLinks        bool     `json:"has_links,omitempty"`
	Near            string   `json:"near,omitempty"`
	Within          string   `json:"within,omitempty"`
	Geocode         string   `json:"geocode,omitempty"`
	DisplayType     string   `json:"display_type,omitempty"`

	Limit         int    `json:"limit,omitempty"`
	Resume        bool   `json:"-"`
	InitialCursor string `json:"-"`
	OutputName    string `json:"-"`
}

// ProfileRequest describes a timeline collection over a list of handles.
type ProfileRequest struct {
	Handles []string `json:"handles"`
	Limit   int      `json:"limit,omitempty"`
	Resume  bool     `json:"-"`
}

// TweetUser is the author block carried on each collected tweet.
type TweetUser struct {
	ScreenName string `json:"screen_name,omitempty"`
	Name       string `json:"name,omitempty"`
}

// TweetMedia holds media attachments extracted from a tweet.
type TweetMedia struct {
	ImageLinks []string `json:"image_links,omitempty"`
}

// TweetRecord is one collected result item.
type TweetRecord struct {
	TweetID   string     `json:"tweet_id"`
	User      TweetUser  `json:"user"`
	Timestamp string     `json:"timestamp,omitempty"`
	Text      string     `json:"text,omitempty"`
	Comments  int        `json:"comments"`
	Likes     int        `json:"likes"`
	Retweets  int        `json:"retweets"`
	Media     TweetMedia `json:"media"`
	TweetURL  string     `json:"tweet_url,omitempty"`
}

// TaskStatus tracks a task through the scheduler.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one unit of scheduled work: a sub-interval of a search window or a
// single profile target, with its resume cursor and retry bookkeeping.
type Task struct {
	ID          string
	Fingerprint string
	Kind        string // "search" or "profile"
	Since       string
	Until       string
	Handle      string
	Cursor      string
	Status      TaskStatus

	Attempts         int
	FallbackAttempts int
	AccountSwitches  int
}

// Checkpoint is the durable resume cursor for one query fingerprint.
type Checkpoint struct {
	Fingerprint   string
	ScopeKey      string
	Cursor        string
	PageSeq       int
	LastPageItems int
	UpdatedAt     time.Time
}

// Page is what one fetch-and-parse cycle yields to the pagination engine.
type Page struct {
	Items       []TweetRecord
	NextCursor  string
	ResultCount int
	HTTPStatus  int
	Headers     map[string]string
}

// RunStats accumulates observable counters for one scheduler run.
type RunStats struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	Tweets          int       `json:"tweets"`
	TasksTotal      int       `json:"tasks_total"`
	TasksDone       int       `json:"tasks_done"`
	TasksFailed     int       `json:"tasks_failed"`
	Retries         int       `json:"retries"`
	AccountSwitches int       `json:"account_switches"`
}
