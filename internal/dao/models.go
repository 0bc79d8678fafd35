package dao

import (
	"database/sql"
	"time"
)

const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
)

// Account is one outbound SMTP identity an organization may send through.
// Accounts are soft-disabled, never deleted, so historical attempts keep a
// valid reference.
type Account struct {
	ID              string `db:"id"`
	OrgID           string `db:"org_id"`
	Provider        string `db:"provider"`
	Host            string `db:"host"`
	Port            int    `db:"port"`
	FromEmail       string `db:"from_email"`
	Username        string `db:"username"`
	Password        string `db:"password"`
	RateLimitPerMin int    `db:"rate_limit_per_min"` // 0 means uncapped
	Status          string `db:"status"`

	// capability snapshot, owned by this account, refreshed by probes
	Starttls   bool          `db:"starttls"`
	Pipelining bool          `db:"pipelining"`
	MaxSize    int64         `db:"max_size"`
	LatencyMs  sql.NullInt64 `db:"latency_ms"`
	ProbedAt   sql.NullTime  `db:"probed_at"`
}

const (
	RecipientPending    = "pending"
	RecipientSent       = "sent"
	RecipientFailed     = "failed"
	RecipientSuppressed = "suppressed"
)

type Recipient struct {
	ID         string         `db:"id"`
	MessageID  string         `db:"message_id"`
	ToEmail    string         `db:"to_email"`
	MXHint     sql.NullString `db:"mx_hint"`
	SendStatus string         `db:"send_status"`
	AccountID  sql.NullString `db:"account_id"` // set only on success
	SentAt     sql.NullTime   `db:"sent_at"`
	CreatedAt  time.Time      `db:"created_at"`
}

const (
	AttemptOK   = "ok"
	AttemptFail = "fail"
)

// SendAttempt is append only. The account id is frozen at attempt time.
type SendAttempt struct {
	ID          string    `db:"id"`
	RecipientID string    `db:"recipient_id"`
	AccountID   string    `db:"account_id"`
	Result      string    `db:"result"`
	ResponseRaw string    `db:"response_raw"`
	LatencyMs   int64     `db:"latency_ms"`
	CreatedAt   time.Time `db:"created_at"`
}

type Message struct {
	ID                string         `db:"id"`
	OrgID             string         `db:"org_id"`
	Subject           string         `db:"subject"`
	Body              string         `db:"body"`
	CustomDisplayName sql.NullString `db:"custom_display_name"`
	IdentityName      string         `db:"identity_name"` // default display name of the sending identity
}

type OrgSettings struct {
	OrgID      string `db:"org_id"`
	APIKey     string `db:"api_key"` // empty means no key required
	KillSwitch bool   `db:"kill_switch"`
}

// DomainAuthConfig carries both DKIM rotation state and the DMARC policy
// tuple for one sending domain. The DKIM scheduler and the DMARC engine own
// disjoint fields of the same row.
type DomainAuthConfig struct {
	ID     string `db:"id"`
	OrgID  string `db:"org_id"`
	Domain string `db:"domain"`

	DkimSelectorCurrent sql.NullString `db:"dkim_selector_current"`
	DkimSelectorNext    sql.NullString `db:"dkim_selector_next"`
	DkimPrivateKeyNext  sql.NullString `db:"dkim_private_key_next"`
	DkimRotateAt        sql.NullTime   `db:"dkim_rotate_at"`

	DmarcPolicy    string         `db:"dmarc_policy"` // none, quarantine, reject
	DmarcPct       int            `db:"dmarc_pct"`
	AlignSPF       string         `db:"align_spf"`  // r or s
	AlignDKIM      string         `db:"align_dkim"` // r or s
	RuaMailto      sql.NullString `db:"rua_mailto"`
	DmarcPublished bool           `db:"dmarc_published"`
	DmarcChangedAt sql.NullTime   `db:"dmarc_changed_at"`

	DNSProvider string         `db:"dns_provider"` // cloudflare, manual
	DNSZoneRef  sql.NullString `db:"dns_zone_ref"`
}

// DmarcReportTotals is the 7 day aggregate-report rollup for one domain.
type DmarcReportTotals struct {
	Total   int64 `db:"total"`
	Aligned int64 `db:"aligned"`
	Failing int64 `db:"failing"`
}

const (
	SpoolQueued     = "queued"
	SpoolProcessing = "processing"
	SpoolSent       = "sent"
	SpoolFailed     = "failed"
)

type SpoolJob struct {
	JobID       string    `db:"job_id"`
	RecipientID string    `db:"recipient_id"`
	MessageID   string    `db:"message_id"`
	OrgID       string    `db:"org_id"`
	Status      string    `db:"status"`
	Try         int       `db:"try"`
	NotBefore   time.Time `db:"not_before"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
