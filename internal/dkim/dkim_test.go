package dkim

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/postverk/postverk/dnsx"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fakeDkimDB struct {
	dao.DAO

	cfg dao.DomainAuthConfig

	pendingSelector string
	committed       string
	aborted         bool
}

func (f *fakeDkimDB) GetDomainAuth(id string) (*dao.DomainAuthConfig, error) {
	cfg := f.cfg
	return &cfg, nil
}

func (f *fakeDkimDB) SetPendingDkim(domainID, selector, privateKey string, rotateAt time.Time) error {
	f.pendingSelector = selector
	return nil
}

func (f *fakeDkimDB) CommitDkimRotation(domainID, selector string) error {
	f.committed = selector
	return nil
}

func (f *fakeDkimDB) AbortDkimRotation(domainID string) error {
	f.aborted = true
	f.cfg.DkimSelectorNext = sql.NullString{}
	return nil
}

var testClock = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testScheduler(db dao.DAO, dns dnsx.Client) *Scheduler {
	s := New(db, dns, tools.LoggerCloner(logrus.New()))
	s.now = func() time.Time { return testClock }
	return s
}

func TestPlanRotation(t *testing.T) {
	db := &fakeDkimDB{cfg: dao.DomainAuthConfig{ID: "dom_1", Domain: "example.com"}}

	plan, err := testScheduler(db, dnsx.Mock{}).PlanRotation("dom_1", false)
	assert.NoError(t, err)

	assert.True(t, strings.HasPrefix(plan.Selector, "dkim"))
	assert.Equal(t, plan.Selector, db.pendingSelector)
	assert.Equal(t, plan.Selector+"._domainkey.example.com", plan.DNSName)
	assert.True(t, strings.HasPrefix(plan.DNSRecord, "v=DKIM1; k=ed25519; p="))
	assert.Equal(t, testClock.Add(PropagationWindow), plan.RotateAt)
}

func TestPlanRotationRejectsConcurrent(t *testing.T) {
	db := &fakeDkimDB{cfg: dao.DomainAuthConfig{
		ID:               "dom_1",
		Domain:           "example.com",
		DkimSelectorNext: sql.NullString{String: "dkimold", Valid: true},
	}}

	_, err := testScheduler(db, dnsx.Mock{}).PlanRotation("dom_1", false)
	assert.ErrorIs(t, err, ErrRotationPending)
	assert.False(t, db.aborted)
}

func TestPlanRotationForceDiscardsPending(t *testing.T) {
	db := &fakeDkimDB{cfg: dao.DomainAuthConfig{
		ID:               "dom_1",
		Domain:           "example.com",
		DkimSelectorNext: sql.NullString{String: "dkimold", Valid: true},
	}}

	plan, err := testScheduler(db, dnsx.Mock{}).PlanRotation("dom_1", true)
	assert.NoError(t, err)
	assert.True(t, db.aborted)
	assert.NotEqual(t, "dkimold", plan.Selector)
}

func pendingConfig(rotateAt time.Time) dao.DomainAuthConfig {
	return dao.DomainAuthConfig{
		ID:                  "dom_1",
		Domain:              "example.com",
		DkimSelectorCurrent: sql.NullString{String: "dkimcur", Valid: true},
		DkimSelectorNext:    sql.NullString{String: "dkimnew", Valid: true},
		DkimRotateAt:        sql.NullTime{Time: rotateAt, Valid: true},
	}
}

func TestExecuteRotation(t *testing.T) {
	db := &fakeDkimDB{cfg: pendingConfig(testClock.Add(-time.Hour))}
	dns := dnsx.Mock{TXTFunc: func(name string) ([]string, error) {
		assert.Equal(t, "dkimnew._domainkey.example.com", name)
		return []string{"v=DKIM1; k=ed25519; p=abc"}, nil
	}}

	err := testScheduler(db, dns).ExecuteRotation("dom_1")
	assert.NoError(t, err)
	assert.Equal(t, "dkimnew", db.committed)
}

func TestExecuteRotationRefusesBeforeDeadline(t *testing.T) {
	db := &fakeDkimDB{cfg: pendingConfig(testClock.Add(24 * time.Hour))}

	err := testScheduler(db, dnsx.Mock{}).ExecuteRotation("dom_1")
	assert.ErrorIs(t, err, ErrNotDue)
	assert.Empty(t, db.committed)
}

func TestExecuteRotationKeepsPendingWhenNotPropagated(t *testing.T) {
	db := &fakeDkimDB{cfg: pendingConfig(testClock.Add(-time.Hour))}
	dns := dnsx.Mock{TXTFunc: func(name string) ([]string, error) {
		return nil, nil
	}}

	err := testScheduler(db, dns).ExecuteRotation("dom_1")
	assert.ErrorIs(t, err, ErrNotPropagated)
	assert.Empty(t, db.committed)
	assert.False(t, db.aborted)
}

func TestExecuteRotationDNSError(t *testing.T) {
	db := &fakeDkimDB{cfg: pendingConfig(testClock.Add(-time.Hour))}
	dns := dnsx.Mock{TXTFunc: func(name string) ([]string, error) {
		return nil, errors.New("servfail")
	}}

	err := testScheduler(db, dns).ExecuteRotation("dom_1")
	assert.ErrorIs(t, err, ErrNotPropagated)
	assert.Empty(t, db.committed)
}

func TestExecuteRotationWithoutPending(t *testing.T) {
	db := &fakeDkimDB{cfg: dao.DomainAuthConfig{ID: "dom_1", Domain: "example.com"}}

	err := testScheduler(db, dnsx.Mock{}).ExecuteRotation("dom_1")
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestStatus(t *testing.T) {
	db := &fakeDkimDB{cfg: pendingConfig(testClock.Add(-time.Hour))}

	st, err := testScheduler(db, dnsx.Mock{}).Status("dom_1")
	assert.NoError(t, err)
	assert.Equal(t, "dkimcur", st.CurrentSelector)
	assert.Equal(t, "dkimnew", st.NextSelector)
	assert.True(t, st.Pending)
	assert.True(t, st.CanExecute)

	db.cfg = pendingConfig(testClock.Add(time.Hour))
	st, err = testScheduler(db, dnsx.Mock{}).Status("dom_1")
	assert.NoError(t, err)
	assert.False(t, st.CanExecute)
}
