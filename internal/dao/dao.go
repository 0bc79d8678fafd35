package dao

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

type DAO interface {
	ActiveAccounts(orgID string) ([]Account, error)
	StaleAccounts(cutoff time.Time) ([]Account, error)
	GetAccount(id string) (*Account, error)
	UpdateCapabilities(accountID string, starttls, pipelining bool, maxSize int64, latencyMs int64) error

	AttemptStats(accountID, mxHint string, since time.Time) (ok int, total int, err error)
	RecentHardBounces(accountID string, since time.Time) (int, error)
	AddSendAttempt(attempt SendAttempt) error

	GetRecipient(id string) (*Recipient, error)
	SetRecipientMXHint(id, hint string) error
	MarkRecipientSent(id, accountID string) error
	MarkRecipientFailed(id string) error

	AddMessage(message Message) error
	GetMessage(id string) (*Message, error)
	AddRecipient(recipient Recipient) error
	GetOrgSettings(orgID string) (*OrgSettings, error)

	GetDomainAuth(id string) (*DomainAuthConfig, error)
	SetPendingDkim(domainID, selector, privateKey string, rotateAt time.Time) error
	CommitDkimRotation(domainID, selector string) error
	AbortDkimRotation(domainID string) error
	SetDmarcPolicy(domainID, policy string, pct int, aspf, adkim string) error
	SetDmarcPublished(domainID string) error
	DmarcTotals(domain string, since time.Time) (DmarcReportTotals, error)

	AddJob(job SpoolJob) error
	ClaimJob(jobID string) error
	DueJobs(limit int) ([]SpoolJob, error)
	RequeueJob(jobID string, notBefore time.Time) error
	SetJobStatus(jobID, status string) error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) ActiveAccounts(orgID string) ([]Account, error) {
	q := `
		SELECT * FROM account
		WHERE org_id = ?
		  AND status = 'active'
		ORDER BY rowid
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var accounts []Account
	err = db.Select(&accounts, q, orgID)
	return accounts, err
}

// StaleAccounts lists active accounts whose capability snapshot is older
// than cutoff or missing entirely.
func (s *sqlite) StaleAccounts(cutoff time.Time) ([]Account, error) {
	q := `
		SELECT * FROM account
		WHERE status = 'active'
		  AND (probed_at IS NULL OR probed_at < ?)
		ORDER BY rowid
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var accounts []Account
	err = db.Select(&accounts, q, cutoff.In(time.UTC))
	return accounts, err
}

func (s *sqlite) GetAccount(id string) (*Account, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var a Account
	err = db.Get(&a, `SELECT * FROM account WHERE id = ?`, id)
	return &a, err
}

func (s *sqlite) UpdateCapabilities(accountID string, starttls, pipelining bool, maxSize int64, latencyMs int64) error {
	q := `
		UPDATE account
		SET starttls = ?, pipelining = ?, max_size = ?, latency_ms = ?, probed_at = ?
		WHERE id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, starttls, pipelining, maxSize, latencyMs, time.Now().In(time.UTC), accountID)
	return err
}

func (s *sqlite) AttemptStats(accountID, mxHint string, since time.Time) (ok int, total int, err error) {
	q := `
		SELECT COALESCE(SUM(CASE WHEN a.result = 'ok' THEN 1 ELSE 0 END), 0) AS ok,
		       COUNT(*)                                                      AS total
		FROM send_attempt a
		JOIN recipient r ON r.id = a.recipient_id
		WHERE a.account_id = ?
		  AND a.created_at >= ?
		  AND r.mx_hint = ?
	`
	db, err := s.getDB()
	if err != nil {
		return 0, 0, err
	}
	var row struct {
		OK    int `db:"ok"`
		Total int `db:"total"`
	}
	err = db.Get(&row, q, accountID, since.In(time.UTC), mxHint)
	return row.OK, row.Total, err
}

func (s *sqlite) RecentHardBounces(accountID string, since time.Time) (int, error) {
	q := `
		SELECT COUNT(*) FROM send_attempt
		WHERE account_id = ?
		  AND result = 'fail'
		  AND created_at >= ?
		  AND response_raw LIKE '5%'
	`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int
	err = db.Get(&count, q, accountID, since.In(time.UTC))
	return count, err
}

func (s *sqlite) AddSendAttempt(attempt SendAttempt) error {
	q := `
		INSERT INTO send_attempt (id, recipient_id, account_id, result, response_raw, latency_ms, created_at)
		VALUES (:id, :recipient_id, :account_id, :result, :response_raw, :latency_ms, :created_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().In(time.UTC)
	}
	_, err = db.NamedExec(q, attempt)
	if err != nil {
		return fmt.Errorf("failed to insert send attempt, %w", err)
	}
	return nil
}

func (s *sqlite) GetRecipient(id string) (*Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var r Recipient
	err = db.Get(&r, `SELECT * FROM recipient WHERE id = ?`, id)
	return &r, err
}

func (s *sqlite) SetRecipientMXHint(id, hint string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE recipient SET mx_hint = ? WHERE id = ?`, hint, id)
	return err
}

func (s *sqlite) MarkRecipientSent(id, accountID string) error {
	q := `
		UPDATE recipient
		SET send_status = 'sent', account_id = ?, sent_at = ?
		WHERE id = ?
		  AND send_status NOT IN ('sent', 'suppressed')
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, accountID, time.Now().In(time.UTC), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return fmt.Errorf("recipient %s already terminal, could not mark sent", id)
	}
	return nil
}

func (s *sqlite) MarkRecipientFailed(id string) error {
	q := `
		UPDATE recipient
		SET send_status = 'failed'
		WHERE id = ?
		  AND send_status NOT IN ('sent', 'suppressed')
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, id)
	return err
}

func (s *sqlite) AddMessage(message Message) error {
	q := `
		INSERT INTO message (id, org_id, subject, body, custom_display_name, identity_name)
		VALUES (:id, :org_id, :subject, :body, :custom_display_name, :identity_name)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, message)
	if err != nil {
		return fmt.Errorf("failed to insert message, %w", err)
	}
	return nil
}

func (s *sqlite) AddRecipient(recipient Recipient) error {
	q := `
		INSERT INTO recipient (id, message_id, to_email, send_status, created_at)
		VALUES (:id, :message_id, :to_email, :send_status, :created_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if recipient.SendStatus == "" {
		recipient.SendStatus = RecipientPending
	}
	if recipient.CreatedAt.IsZero() {
		recipient.CreatedAt = time.Now().In(time.UTC)
	}
	_, err = db.NamedExec(q, recipient)
	if err != nil {
		return fmt.Errorf("failed to insert recipient, %w", err)
	}
	return nil
}

func (s *sqlite) GetMessage(id string) (*Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var m Message
	err = db.Get(&m, `SELECT * FROM message WHERE id = ?`, id)
	return &m, err
}

func (s *sqlite) GetOrgSettings(orgID string) (*OrgSettings, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var o OrgSettings
	err = db.Get(&o, `SELECT * FROM org_settings WHERE org_id = ?`, orgID)
	return &o, err
}

func (s *sqlite) GetDomainAuth(id string) (*DomainAuthConfig, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var d DomainAuthConfig
	err = db.Get(&d, `SELECT * FROM domain_auth WHERE id = ?`, id)
	return &d, err
}

// SetPendingDkim fills the single next-selector slot. The WHERE clause keeps
// the invariant of at most one in-flight rotation per domain; a second plan
// affects zero rows.
func (s *sqlite) SetPendingDkim(domainID, selector, privateKey string, rotateAt time.Time) error {
	q := `
		UPDATE domain_auth
		SET dkim_selector_next = ?, dkim_private_key_next = ?, dkim_rotate_at = ?
		WHERE id = ?
		  AND dkim_selector_next IS NULL
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, selector, privateKey, rotateAt.In(time.UTC), domainID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return fmt.Errorf("domain %s already has a pending rotation", domainID)
	}
	return nil
}

// CommitDkimRotation swaps next into current in one statement so there is no
// window where the domain has both an executed and a pending rotation with
// the same selector.
func (s *sqlite) CommitDkimRotation(domainID, selector string) error {
	q := `
		UPDATE domain_auth
		SET dkim_selector_current = dkim_selector_next,
		    dkim_selector_next = NULL,
		    dkim_private_key_next = NULL,
		    dkim_rotate_at = NULL
		WHERE id = ?
		  AND dkim_selector_next = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, domainID, selector)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return fmt.Errorf("pending selector for domain %s changed underneath commit", domainID)
	}
	return nil
}

func (s *sqlite) AbortDkimRotation(domainID string) error {
	q := `
		UPDATE domain_auth
		SET dkim_selector_next = NULL, dkim_private_key_next = NULL, dkim_rotate_at = NULL
		WHERE id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, domainID)
	return err
}

// SetDmarcPolicy commits a policy transition. The published flag is cleared;
// a later successful DNS publish sets it again.
func (s *sqlite) SetDmarcPolicy(domainID, policy string, pct int, aspf, adkim string) error {
	q := `
		UPDATE domain_auth
		SET dmarc_policy = ?, dmarc_pct = ?, align_spf = ?, align_dkim = ?,
		    dmarc_published = 0, dmarc_changed_at = ?
		WHERE id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, policy, pct, aspf, adkim, time.Now().In(time.UTC), domainID)
	return err
}

func (s *sqlite) SetDmarcPublished(domainID string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE domain_auth SET dmarc_published = 1 WHERE id = ?`, domainID)
	return err
}

func (s *sqlite) DmarcTotals(domain string, since time.Time) (DmarcReportTotals, error) {
	q := `
		SELECT COALESCE(SUM(total), 0)   AS total,
		       COALESCE(SUM(aligned), 0) AS aligned,
		       COALESCE(SUM(failing), 0) AS failing
		FROM dmarc_report
		WHERE domain = ?
		  AND created_at >= ?
	`
	var totals DmarcReportTotals
	db, err := s.getDB()
	if err != nil {
		return totals, err
	}
	err = db.Get(&totals, q, domain, since.In(time.UTC))
	return totals, err
}

func (s *sqlite) AddJob(job SpoolJob) error {
	q := `
		INSERT INTO spool (job_id, recipient_id, message_id, org_id, status, try, not_before, created_at, updated_at)
		VALUES (:job_id, :recipient_id, :message_id, :org_id, :status, :try, :not_before, :created_at, :updated_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	now := time.Now().In(time.UTC)
	job.Status = SpoolQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.NotBefore.IsZero() {
		job.NotBefore = now
	}
	_, err = db.NamedExec(q, job)
	if err != nil {
		return fmt.Errorf("failed to insert into spool table, %w", err)
	}
	return nil
}

// ClaimJob flips queued to processing so that only one worker picks the job
// up, even with several daemons on the same database.
func (s *sqlite) ClaimJob(jobID string) (err error) {
	q := `
		UPDATE spool
		SET status = 'processing', updated_at = ?
		WHERE job_id = ?
		  AND status = 'queued'
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(q, time.Now().In(time.UTC), jobID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = fmt.Errorf("could not claim job %s, %d rows affected by claim attempt", jobID, affected)
	}
	return err
}

func (s *sqlite) DueJobs(limit int) (jobs []SpoolJob, err error) {
	q := `
		SELECT * FROM spool
		WHERE status = 'queued'
		  AND not_before <= ?
		ORDER BY not_before
		LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&jobs, q, time.Now().In(time.UTC), limit)
	return jobs, err
}

func (s *sqlite) RequeueJob(jobID string, notBefore time.Time) error {
	q := `
		UPDATE spool
		SET status = 'queued', try = try + 1, not_before = ?, updated_at = ?
		WHERE job_id = ?
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, notBefore.In(time.UTC), time.Now().In(time.UTC), jobID)
	return err
}

func (s *sqlite) SetJobStatus(jobID, status string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE spool SET status = ?, updated_at = ? WHERE job_id = ?`, status, time.Now().In(time.UTC), jobID)
	return err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma foreign_keys = on;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {
	var err error
	for s.db == nil || s.db.Ping() != nil {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}
	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {
	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS account (
	    id                 TEXT PRIMARY KEY,
	    org_id             TEXT NOT NULL,
	    provider           TEXT NOT NULL DEFAULT '',
	    host               TEXT NOT NULL,
	    port               INT  NOT NULL DEFAULT 587,
	    from_email         TEXT NOT NULL,
	    username           TEXT NOT NULL DEFAULT '',
	    password           TEXT NOT NULL DEFAULT '',
	    rate_limit_per_min INT  NOT NULL DEFAULT 0,
	    status             TEXT NOT NULL DEFAULT 'active', -- active, disabled

	    starttls   INT NOT NULL DEFAULT 0,
	    pipelining INT NOT NULL DEFAULT 0,
	    max_size   INT NOT NULL DEFAULT 0,
	    latency_ms INT,
	    probed_at  DATETIME
	);

	CREATE TABLE IF NOT EXISTS message (
	    id                  TEXT PRIMARY KEY,
	    org_id              TEXT NOT NULL,
	    subject             TEXT NOT NULL DEFAULT '',
	    body                TEXT NOT NULL DEFAULT '',
	    custom_display_name TEXT,
	    identity_name       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS recipient (
	    id          TEXT PRIMARY KEY,
	    message_id  TEXT NOT NULL,
	    to_email    TEXT NOT NULL,
	    mx_hint     TEXT,
	    send_status TEXT NOT NULL DEFAULT 'pending', -- pending, sent, failed, suppressed
	    account_id  TEXT,
	    sent_at     DATETIME,
	    created_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_recipient_message ON recipient(message_id);

	CREATE TABLE IF NOT EXISTS send_attempt (
	    id           TEXT PRIMARY KEY,
	    recipient_id TEXT NOT NULL,
	    account_id   TEXT NOT NULL,
	    result       TEXT NOT NULL, -- ok, fail
	    response_raw TEXT NOT NULL DEFAULT '',
	    latency_ms   INT  NOT NULL DEFAULT 0,
	    created_at   DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_attempt_account_time ON send_attempt(account_id, created_at);

	CREATE TABLE IF NOT EXISTS org_settings (
	    org_id      TEXT PRIMARY KEY,
	    api_key     TEXT NOT NULL DEFAULT '',
	    kill_switch INT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS domain_auth (
	    id     TEXT PRIMARY KEY,
	    org_id TEXT NOT NULL,
	    domain TEXT NOT NULL,

	    dkim_selector_current TEXT,
	    dkim_selector_next    TEXT,
	    dkim_private_key_next TEXT,
	    dkim_rotate_at        DATETIME,

	    dmarc_policy     TEXT NOT NULL DEFAULT 'none', -- none, quarantine, reject
	    dmarc_pct        INT  NOT NULL DEFAULT 100,
	    align_spf        TEXT NOT NULL DEFAULT 'r',
	    align_dkim       TEXT NOT NULL DEFAULT 'r',
	    rua_mailto       TEXT,
	    dmarc_published  INT  NOT NULL DEFAULT 0,
	    dmarc_changed_at DATETIME,

	    dns_provider TEXT NOT NULL DEFAULT 'manual', -- cloudflare, manual
	    dns_zone_ref TEXT
	);

	CREATE TABLE IF NOT EXISTS dmarc_report (
	    id         TEXT PRIMARY KEY,
	    org_id     TEXT NOT NULL,
	    domain     TEXT NOT NULL,
	    total      INT  NOT NULL DEFAULT 0,
	    aligned    INT  NOT NULL DEFAULT 0,
	    failing    INT  NOT NULL DEFAULT 0,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_dmarc_report_domain_time ON dmarc_report(domain, created_at);

	CREATE TABLE IF NOT EXISTS spool (
	    job_id       TEXT PRIMARY KEY,
	    recipient_id TEXT NOT NULL,
	    message_id   TEXT NOT NULL,
	    org_id       TEXT NOT NULL,
	    status       TEXT NOT NULL DEFAULT 'queued', -- queued, processing, sent, failed
	    try          INT  NOT NULL DEFAULT 0,
	    not_before   DATETIME NOT NULL,
	    created_at   DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at   DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_spool_due ON spool(not_before) WHERE status = 'queued';
	`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	return err
}
