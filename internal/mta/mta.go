package mta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/postverk/postverk"
	"github.com/postverk/postverk/dnsx"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/internal/limiter"
	"github.com/postverk/postverk/internal/metrics"
	"github.com/postverk/postverk/internal/mxlock"
	"github.com/postverk/postverk/internal/routing"
	"github.com/postverk/postverk/internal/spool"
	"github.com/postverk/postverk/smtpx"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// The orchestrator drains the spool and drives one SMTP transaction per job.
// Account selection is delegated to the scorer; the orchestrator walks the
// ranking and falls back to the next account on transient rejections. Every
// wire interaction is recorded as a send attempt, pass or fail.

const (
	maxTries = 8

	probeInterval = 6 * time.Hour
	probeStale    = 24 * time.Hour
)

type Config struct {
	Hostname       string
	Workers        int
	GlobalSendRate float64
	AttemptTimeout time.Duration
}

type MTA struct {
	cfg     Config
	db      dao.DAO
	dns     dnsx.Client
	scorer  *routing.Scorer
	lim     *limiter.Limiter
	sem     *mxlock.Semaphore
	spooler spool.Spooler
	dialer  smtpx.Dialer
	log     *logrus.Logger

	global *rate.Limiter
	pool   *pond.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc

	ostart sync.Once
	ostop  sync.Once
}

func New(cfg Config, db dao.DAO, dns dnsx.Client, scorer *routing.Scorer, lim *limiter.Limiter,
	sem *mxlock.Semaphore, spooler spool.Spooler, dialer smtpx.Dialer, lc *tools.Logger) *MTA {

	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.GlobalSendRate <= 0 {
		cfg.GlobalSendRate = 10
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if dialer == nil {
		dialer = smtpx.NewConnection
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MTA{
		cfg:     cfg,
		db:      db,
		dns:     dns,
		scorer:  scorer,
		lim:     lim,
		sem:     sem,
		spooler: spooler,
		dialer:  dialer,
		log:     lc.New("mta"),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalSendRate), int(cfg.GlobalSendRate)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *MTA) Start() {
	m.ostart.Do(func() {
		go m.start()
	})
}

func (m *MTA) start() {
	m.log.Infof("starting mta with %d workers, %0.f attempts/s globally", m.cfg.Workers, m.cfg.GlobalSendRate)
	m.pool = pond.New(m.cfg.Workers, m.cfg.Workers*2)

	go m.probeLoop()

	for job := range m.spooler.Start() {
		job := job

		if m.pool.Stopped() {
			m.log.WithField("job", job.JobID).Warn("pool stopped, skipping job")
			continue
		}
		m.pool.Submit(func() {
			m.process(job)
		})
	}
	m.pool.StopAndWait()
}

func (m *MTA) Stop(ctx context.Context) error {
	var err error
	m.ostop.Do(func() {
		m.cancel()
		err = m.spooler.Stop(ctx)
		if m.pool == nil {
			return
		}
		select {
		case <-m.pool.Stop().Done():
			m.log.Info("mta has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (m *MTA) process(job postverk.SendJob) {
	log := m.log.WithField("job", job.JobID).WithField("recipient", job.RecipientID)

	recipient, err := m.db.GetRecipient(job.RecipientID)
	if err != nil {
		log.WithError(err).Error("could not load recipient")
		_ = m.spooler.Fail(job.JobID)
		return
	}
	switch recipient.SendStatus {
	case dao.RecipientSent:
		_ = m.spooler.Succeed(job.JobID)
		return
	case dao.RecipientSuppressed:
		log.Info("recipient is suppressed, dropping job")
		_ = m.spooler.Fail(job.JobID)
		return
	}

	settings, err := m.db.GetOrgSettings(job.OrgID)
	if err != nil {
		log.WithError(err).Error("could not load org settings")
		m.retry(job, recipient.ID)
		return
	}
	// Kill switch stops everything dead, no wire traffic, no attempt rows.
	if settings.KillSwitch {
		log.WithField("event", postverk.EventFailed).Warn("kill switch engaged, failing without attempting delivery")
		_ = m.db.MarkRecipientFailed(recipient.ID)
		_ = m.spooler.Fail(job.JobID)
		metrics.Failures.Inc()
		return
	}

	message, err := m.db.GetMessage(job.MessageID)
	if err != nil {
		log.WithError(err).Error("could not load message")
		_ = m.db.MarkRecipientFailed(recipient.ID)
		_ = m.spooler.Fail(job.JobID)
		return
	}

	domain, err := tools.DomainOfEmail(recipient.ToEmail)
	if err != nil {
		log.WithError(err).Error("recipient address has no domain")
		_ = m.db.MarkRecipientFailed(recipient.ID)
		_ = m.spooler.Fail(job.JobID)
		return
	}

	mx, err := m.dns.MX(domain)
	if err != nil {
		log.WithError(err).Info("mx lookup failed")
		m.retry(job, recipient.ID)
		return
	}
	err = m.db.SetRecipientMXHint(recipient.ID, mx.Hint)
	if err != nil {
		log.WithError(err).Error("could not persist mx hint")
	}

	// Concurrency towards a destination is capped per provider family, not
	// per exchanger host.
	destination := mx.Servers[0]
	admitted, err := m.sem.Acquire(mx.Hint)
	if err != nil {
		log.WithError(err).Info("semaphore unavailable")
		m.retry(job, recipient.ID)
		return
	}
	if !admitted {
		log.WithField("hint", mx.Hint).Info("destination family is saturated")
		metrics.SemaphoreDenied.Inc()
		m.retry(job, recipient.ID)
		return
	}
	defer m.sem.Release(mx.Hint)

	scores, err := m.scorer.Score(job.OrgID, recipient.ToEmail, mx.Hint)
	if errors.Is(err, routing.ErrNoAccounts) {
		log.Warn("no active accounts, failing recipient")
		_ = m.db.MarkRecipientFailed(recipient.ID)
		_ = m.spooler.Fail(job.JobID)
		metrics.Failures.Inc()
		return
	}
	if err != nil {
		log.WithError(err).Error("could not score accounts")
		m.retry(job, recipient.ID)
		return
	}

	attempted := false
	for _, score := range scores {
		account := score.Account

		if account.RateLimitPerMin > 0 {
			res := m.lim.Check(routing.SendKey(account.ID), account.RateLimitPerMin, time.Minute, 0)
			if !res.Allowed {
				log.WithField("account", account.ID).Debug("account at per-minute cap, trying next")
				continue
			}
		}

		if err = m.global.Wait(m.ctx); err != nil {
			m.retry(job, recipient.ID)
			return
		}

		attempted = true
		delivered, transient := m.attempt(account, message, recipient, destination, mx.Hint, log)
		if delivered {
			err = m.db.MarkRecipientSent(recipient.ID, account.ID)
			if err != nil {
				log.WithError(err).Error("delivered but could not mark recipient sent")
			}
			_ = m.spooler.Succeed(job.JobID)
			metrics.Deliveries.Inc()
			log.WithField("event", postverk.EventDelivered).WithField("account", account.ID).Info("recipient delivered")
			return
		}
		if !transient {
			_ = m.db.MarkRecipientFailed(recipient.ID)
			_ = m.spooler.Fail(job.JobID)
			metrics.Failures.Inc()
			log.WithField("event", postverk.EventBounce).WithField("account", account.ID).Info("recipient hard bounced")
			return
		}
		// Transient rejection, fall back to the next ranked account.
	}

	// Every account was tried and deferred the message. Exhaustion is
	// terminal for the recipient; retrying the same ranking later would just
	// burn reputation.
	if attempted {
		log.WithField("event", postverk.EventFailed).Warn("all accounts exhausted, failing recipient")
		_ = m.db.MarkRecipientFailed(recipient.ID)
		_ = m.spooler.Fail(job.JobID)
		metrics.Failures.Inc()
		return
	}

	// Nothing was attempted, every account sat at its per-minute cap. Let
	// the caps refill and try again.
	m.retry(job, recipient.ID)
}

// probeLoop refreshes stale capability snapshots so the scorer's STARTTLS,
// pipelining, size and latency factors stay honest.
func (m *MTA) probeLoop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		m.probeStale()
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MTA) probeStale() {
	accounts, err := m.db.StaleAccounts(time.Now().Add(-probeStale))
	if err != nil {
		m.log.WithError(err).Error("could not list stale accounts")
		return
	}

	for _, account := range accounts {
		addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
		caps, err := smtpx.Probe(addr, m.cfg.Hostname, m.cfg.AttemptTimeout)
		if err != nil {
			// Snapshot stays as is, the account is still usable.
			m.log.WithError(err).WithField("account", account.ID).Info("capability probe failed")
			continue
		}
		err = m.db.UpdateCapabilities(account.ID, caps.Starttls, caps.Pipelining, caps.MaxSize, caps.Latency.Milliseconds())
		if err != nil {
			m.log.WithError(err).WithField("account", account.ID).Error("could not store capability snapshot")
		}
	}
}

// attempt runs one SMTP transaction against destination and records the
// outcome. It reports delivery and, on failure, whether falling back to
// another account makes sense.
func (m *MTA) attempt(account dao.Account, message *dao.Message, recipient *dao.Recipient,
	destination, mxHint string, log *logrus.Entry) (delivered bool, transient bool) {

	start := time.Now()

	record := func(result, response string) {
		err := m.db.AddSendAttempt(dao.SendAttempt{
			ID:          smtpx.GenerateId(),
			RecipientID: recipient.ID,
			AccountID:   account.ID,
			Result:      result,
			ResponseRaw: response,
			LatencyMs:   time.Since(start).Milliseconds(),
		})
		if err != nil {
			log.WithError(err).Error("could not record send attempt")
		}
		metrics.SendAttempts.WithLabelValues(result, mxHint).Inc()
		metrics.AttemptDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}

	var auth smtpx.Auth
	if account.Username != "" {
		host := account.Host
		auth = smtp.PlainAuth("", account.Username, account.Password, host)
	}

	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	if account.Host == "" {
		// No submission relay configured, deliver straight to the exchanger.
		addr = destination
	}

	conn, err := m.dialer(nil, addr, m.cfg.Hostname, auth, m.cfg.AttemptTimeout)
	if err != nil {
		log.WithError(err).WithField("account", account.ID).Info("could not connect")
		record(dao.AttemptFail, err.Error())
		return false, true
	}
	defer conn.Close()

	displayName := message.IdentityName
	if message.CustomDisplayName.Valid {
		displayName = message.CustomDisplayName.String
	}

	content := renderMessage(smtpx.FormatFrom(displayName, account.FromEmail), recipient.ToEmail, message.Subject, message.Body)
	err = conn.SendMail(account.FromEmail, []string{recipient.ToEmail}, bytes.NewReader(content))
	if err != nil {
		record(dao.AttemptFail, err.Error())
		if transientFailure(err) {
			log.WithError(err).WithField("account", account.ID).WithField("event", postverk.EventDeferred).
				Info("transient rejection, falling back")
			return false, true
		}
		return false, false
	}

	record(dao.AttemptOK, "250 ok")
	return true, true
}

func (m *MTA) retry(job postverk.SendJob, recipientID string) {
	if job.Try+1 >= maxTries {
		m.log.WithField("job", job.JobID).Warn("out of tries, failing recipient")
		_ = m.db.MarkRecipientFailed(recipientID)
		_ = m.spooler.Fail(job.JobID)
		metrics.Failures.Inc()
		return
	}
	job.Try++
	err := m.spooler.Requeue(job)
	if err != nil {
		m.log.WithError(err).WithField("job", job.JobID).Error("could not requeue job")
		return
	}
	metrics.Requeues.Inc()
}

// transientFailure classifies an SMTP rejection. 4xx answers and network
// timeouts are worth retrying through another account; everything else is a
// permanent rejection of this recipient.
func transientFailure(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code >= 400 && proto.Code < 500
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Servers that answer with a bare code string instead of a structured
	// reply still start the answer with the class digit.
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	return strings.HasPrefix(msg, "4")
}

func renderMessage(from, to, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", smtpx.GenerateId())
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
