package dmarc

import (
	"fmt"
	"strings"
	"time"

	"github.com/postverk/postverk/dnsx"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

// Adaptive enforcement. Policy only moves one step at a time along
// none -> quarantine@50 -> quarantine@100 -> reject, and only when a week of
// aggregate reports proves the mail stream is aligned. A failing stream is
// walked back one step no matter what the advance guard says.

const (
	PolicyNone       = "none"
	PolicyQuarantine = "quarantine"
	PolicyReject     = "reject"

	ReportWindow   = 7 * 24 * time.Hour
	MinAlignment   = 0.98
	MinVolume      = 1000
	MaxFailRate    = 0.05
	ChangeCooldown = 24 * time.Hour
)

type State struct {
	Policy string `json:"policy"`
	Pct    int    `json:"pct"`
	ASPF   string `json:"aspf"`
	ADKIM  string `json:"adkim"`
}

type KPI struct {
	Total     int64   `json:"total"`
	Aligned   int64   `json:"aligned"`
	AlignRate float64 `json:"align_rate"`
	FailRate  float64 `json:"fail_rate"`
	AlignOk   bool    `json:"align_ok"`
	VolumeOk  bool    `json:"volume_ok"`
}

// Next returns the state the domain should move to, or nil to hold.
// Rollback on a high fail rate takes precedence over the advance guard.
func Next(current State, kpi KPI) *State {
	if kpi.FailRate > MaxFailRate {
		return rollback(current)
	}
	if !kpi.AlignOk || !kpi.VolumeOk {
		return nil
	}

	switch {
	case current.Policy == PolicyNone:
		return &State{Policy: PolicyQuarantine, Pct: 50, ASPF: "s", ADKIM: "s"}
	case current.Policy == PolicyQuarantine && current.Pct < 100:
		return &State{Policy: PolicyQuarantine, Pct: 100, ASPF: "s", ADKIM: "s"}
	case current.Policy == PolicyQuarantine && current.Pct == 100:
		return &State{Policy: PolicyReject, Pct: 100, ASPF: "s", ADKIM: "s"}
	}
	// Already at full enforcement.
	return nil
}

func rollback(current State) *State {
	switch {
	case current.Policy == PolicyReject:
		return &State{Policy: PolicyQuarantine, Pct: 100, ASPF: "s", ADKIM: "s"}
	case current.Policy == PolicyQuarantine && current.Pct == 100:
		return &State{Policy: PolicyQuarantine, Pct: 50, ASPF: "s", ADKIM: "s"}
	case current.Policy == PolicyQuarantine:
		return &State{Policy: PolicyNone, Pct: 100, ASPF: "r", ADKIM: "r"}
	}
	return nil
}

// FormatRecord renders the _dmarc TXT record value.
func FormatRecord(state State, ruaMailto string) string {
	parts := []string{"v=DMARC1", "p=" + state.Policy}
	if state.Pct != 100 {
		parts = append(parts, fmt.Sprintf("pct=%d", state.Pct))
	}
	parts = append(parts, "aspf="+state.ASPF, "adkim="+state.ADKIM)
	if ruaMailto != "" {
		parts = append(parts, "rua=mailto:"+ruaMailto)
	}
	parts = append(parts, "fo=1")
	return strings.Join(parts, "; ")
}

type Status struct {
	Current    State  `json:"current"`
	KPIs       KPI    `json:"kpis"`
	Next       *State `json:"next,omitempty"`
	CanAdvance bool   `json:"can_advance"`
	Reason     string `json:"reason,omitempty"`
	Published  bool   `json:"published"`
}

type Engine struct {
	db  dao.DAO
	pub dnsx.Publisher
	log *logrus.Logger

	now func() time.Time
}

func New(db dao.DAO, pub dnsx.Publisher, lc *tools.Logger) *Engine {
	return &Engine{
		db:  db,
		pub: pub,
		log: lc.New("dmarc"),
		now: time.Now,
	}
}

func (e *Engine) KPIs(domain string) (KPI, error) {
	totals, err := e.db.DmarcTotals(domain, e.now().Add(-ReportWindow))
	if err != nil {
		return KPI{}, fmt.Errorf("could not load aggregate report totals for %s: %w", domain, err)
	}

	kpi := KPI{Total: totals.Total, Aligned: totals.Aligned}
	if totals.Total > 0 {
		kpi.AlignRate = float64(totals.Aligned) / float64(totals.Total)
		kpi.FailRate = float64(totals.Failing) / float64(totals.Total)
	}
	kpi.AlignOk = kpi.AlignRate >= MinAlignment
	kpi.VolumeOk = totals.Total >= MinVolume
	return kpi, nil
}

// canAdjust enforces the transition guards that are about the domain rather
// than the mail stream: an aggregate-report destination must exist and at
// most one policy change may happen per day.
func (e *Engine) canAdjust(cfg *dao.DomainAuthConfig) (bool, string) {
	if !cfg.RuaMailto.Valid || cfg.RuaMailto.String == "" {
		return false, "aggregate report destination (rua) not configured"
	}
	if cfg.DmarcChangedAt.Valid {
		since := e.now().Sub(cfg.DmarcChangedAt.Time)
		if since < ChangeCooldown {
			return false, fmt.Sprintf("last policy change %s ago, at most one change per 24h", since.Truncate(time.Minute))
		}
	}
	return true, ""
}

func stateOf(cfg *dao.DomainAuthConfig) State {
	return State{Policy: cfg.DmarcPolicy, Pct: cfg.DmarcPct, ASPF: cfg.AlignSPF, ADKIM: cfg.AlignDKIM}
}

// GetStatus reports the current tuple, the KPI window and what Adjust would
// do, for the dashboard.
func (e *Engine) GetStatus(domainID string) (*Status, error) {
	cfg, err := e.db.GetDomainAuth(domainID)
	if err != nil {
		return nil, fmt.Errorf("could not load domain auth config %s: %w", domainID, err)
	}
	kpi, err := e.KPIs(cfg.Domain)
	if err != nil {
		return nil, err
	}

	current := stateOf(cfg)
	st := &Status{Current: current, KPIs: kpi, Published: cfg.DmarcPublished}
	st.Next = Next(current, kpi)

	ok, reason := e.canAdjust(cfg)
	st.CanAdvance = ok && st.Next != nil
	if !ok {
		st.Reason = reason
	} else if st.Next == nil {
		st.Reason = "guards hold the current policy"
	}
	return st, nil
}

// Adjust evaluates the state machine for one domain and applies the
// resulting transition, if any. The policy tuple is committed before the
// DNS record is published; a publish failure leaves the committed state in
// place with published=false rather than silently reverting.
func (e *Engine) Adjust(domainID string) (*State, string, error) {
	cfg, err := e.db.GetDomainAuth(domainID)
	if err != nil {
		return nil, "", fmt.Errorf("could not load domain auth config %s: %w", domainID, err)
	}

	ok, reason := e.canAdjust(cfg)
	if !ok {
		return nil, reason, nil
	}

	kpi, err := e.KPIs(cfg.Domain)
	if err != nil {
		return nil, "", err
	}

	current := stateOf(cfg)
	next := Next(current, kpi)
	if next == nil {
		return nil, "guards hold the current policy", nil
	}

	if kpi.FailRate > MaxFailRate {
		e.log.WithField("domain", cfg.Domain).WithField("fail_rate", kpi.FailRate).
			Warnf("fail rate too high, rolling back from %s@%d to %s@%d", current.Policy, current.Pct, next.Policy, next.Pct)
	} else {
		e.log.WithField("domain", cfg.Domain).
			Infof("advancing policy from %s@%d to %s@%d", current.Policy, current.Pct, next.Policy, next.Pct)
	}

	err = e.db.SetDmarcPolicy(domainID, next.Policy, next.Pct, next.ASPF, next.ADKIM)
	if err != nil {
		return nil, "", fmt.Errorf("could not persist policy transition: %w", err)
	}

	if err = e.publish(domainID, cfg, *next); err != nil {
		// The transition is committed; DNS catches up on the next publish.
		e.log.WithError(err).WithField("domain", cfg.Domain).Error("policy committed but publish failed")
	}
	return next, "", nil
}

// Publish re-renders and publishes the domain's current record.
func (e *Engine) Publish(domainID string) error {
	cfg, err := e.db.GetDomainAuth(domainID)
	if err != nil {
		return fmt.Errorf("could not load domain auth config %s: %w", domainID, err)
	}
	return e.publish(domainID, cfg, stateOf(cfg))
}

func (e *Engine) publish(domainID string, cfg *dao.DomainAuthConfig, state State) error {
	record := FormatRecord(state, cfg.RuaMailto.String)
	name := "_dmarc." + cfg.Domain

	err := e.pub.UpsertTXT(cfg.DNSZoneRef.String, name, record)
	if err != nil {
		return fmt.Errorf("could not publish %s: %w", name, err)
	}

	if err = e.db.SetDmarcPublished(domainID); err != nil {
		return fmt.Errorf("record published but flag not persisted: %w", err)
	}
	e.log.WithField("domain", cfg.Domain).WithField("record", record).Info("dmarc record published")
	return nil
}
