package dkim

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/postverk/postverk/dnsx"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

// Selector rotation runs in two phases. Plan stores a next selector with a
// fresh keypair and hands back the TXT record to publish; Execute swaps it
// in once the deadline has passed and the record actually resolves. At most
// one rotation may be in flight per domain.

const PropagationWindow = 7 * 24 * time.Hour

var (
	ErrRotationPending = errors.New("a rotation is already pending for this domain")
	ErrNoPending       = errors.New("no pending rotation for this domain")
	ErrNotDue          = errors.New("rotation deadline has not passed yet")
	ErrNotPropagated   = errors.New("dkim dns record not yet propagated")
)

type Plan struct {
	Selector  string    `json:"selector"`
	PublicKey string    `json:"public_key"`
	DNSName   string    `json:"dns_name"`
	DNSRecord string    `json:"dns_record"`
	RotateAt  time.Time `json:"rotate_at"`
}

type Status struct {
	CurrentSelector string     `json:"current_selector"`
	NextSelector    string     `json:"next_selector,omitempty"`
	RotateAt        *time.Time `json:"rotate_at,omitempty"`
	Pending         bool       `json:"pending"`
	CanExecute      bool       `json:"can_execute"`
}

type Scheduler struct {
	db  dao.DAO
	dns dnsx.Client
	log *logrus.Logger

	now func() time.Time
}

func New(db dao.DAO, dns dnsx.Client, lc *tools.Logger) *Scheduler {
	return &Scheduler{
		db:  db,
		dns: dns,
		log: lc.New("dkim"),
		now: time.Now,
	}
}

// PlanRotation generates a timestamp-derived selector and an ed25519
// keypair, fills the domain's single next-selector slot and schedules
// execution a propagation window out. A second plan while one is pending is
// rejected unless forced.
func (s *Scheduler) PlanRotation(domainID string, force bool) (*Plan, error) {
	cfg, err := s.db.GetDomainAuth(domainID)
	if err != nil {
		return nil, fmt.Errorf("could not load domain auth config %s: %w", domainID, err)
	}

	if cfg.DkimSelectorNext.Valid {
		if !force {
			return nil, fmt.Errorf("domain %s: %w", cfg.Domain, ErrRotationPending)
		}
		s.log.WithField("domain", cfg.Domain).WithField("selector", cfg.DkimSelectorNext.String).
			Warn("forced plan, discarding pending rotation")
		if err = s.db.AbortDkimRotation(domainID); err != nil {
			return nil, fmt.Errorf("could not discard pending rotation: %w", err)
		}
	}

	selector := "dkim" + strconv.FormatInt(s.now().UnixMilli(), 36)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate keypair: %w", err)
	}

	rotateAt := s.now().Add(PropagationWindow)
	err = s.db.SetPendingDkim(domainID, selector, base64.StdEncoding.EncodeToString(priv), rotateAt)
	if err != nil {
		return nil, fmt.Errorf("could not store pending rotation: %w", err)
	}

	pubB64 := base64.StdEncoding.EncodeToString(pub)
	plan := &Plan{
		Selector:  selector,
		PublicKey: pubB64,
		DNSName:   fmt.Sprintf("%s._domainkey.%s", selector, cfg.Domain),
		DNSRecord: FormatRecord(pubB64),
		RotateAt:  rotateAt,
	}

	s.log.WithField("domain", cfg.Domain).WithField("selector", selector).Info("dkim rotation planned")
	return plan, nil
}

// ExecuteRotation commits the pending selector. It refuses before the
// deadline and re-checks that the new record resolves; when it does not the
// pending state is left untouched and the caller retries later.
func (s *Scheduler) ExecuteRotation(domainID string) error {
	cfg, err := s.db.GetDomainAuth(domainID)
	if err != nil {
		return fmt.Errorf("could not load domain auth config %s: %w", domainID, err)
	}
	if !cfg.DkimSelectorNext.Valid {
		return fmt.Errorf("domain %s: %w", cfg.Domain, ErrNoPending)
	}
	if cfg.DkimRotateAt.Valid && s.now().Before(cfg.DkimRotateAt.Time) {
		return fmt.Errorf("domain %s rotates at %s: %w", cfg.Domain, cfg.DkimRotateAt.Time.Format(time.RFC3339), ErrNotDue)
	}

	next := cfg.DkimSelectorNext.String
	propagated, err := s.dns.CheckDkim(cfg.Domain, next)
	if err != nil {
		return fmt.Errorf("could not check propagation of %s._domainkey.%s: %w, %w", next, cfg.Domain, err, ErrNotPropagated)
	}
	if !propagated {
		return fmt.Errorf("%s._domainkey.%s: %w", next, cfg.Domain, ErrNotPropagated)
	}

	err = s.db.CommitDkimRotation(domainID, next)
	if err != nil {
		return fmt.Errorf("could not commit rotation: %w", err)
	}

	s.log.WithField("domain", cfg.Domain).WithField("selector", next).Info("dkim rotation executed")
	return nil
}

func (s *Scheduler) Status(domainID string) (*Status, error) {
	cfg, err := s.db.GetDomainAuth(domainID)
	if err != nil {
		return nil, fmt.Errorf("could not load domain auth config %s: %w", domainID, err)
	}

	st := &Status{
		CurrentSelector: cfg.DkimSelectorCurrent.String,
		NextSelector:    cfg.DkimSelectorNext.String,
		Pending:         cfg.DkimSelectorNext.Valid,
	}
	if cfg.DkimRotateAt.Valid {
		t := cfg.DkimRotateAt.Time
		st.RotateAt = &t
		st.CanExecute = st.Pending && !s.now().Before(t)
	}
	return st, nil
}

func FormatRecord(publicKeyB64 string) string {
	return fmt.Sprintf("v=DKIM1; k=ed25519; p=%s", publicKeyB64)
}
