package routing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/internal/limiter"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

var ErrNoAccounts = errors.New("no active sending accounts available")

const (
	statsWindow  = 72 * time.Hour
	bounceWindow = 24 * time.Hour
	statsTTL     = 10 * time.Minute

	// Accounts with no delivery history score as if they succeed 80% of the
	// time; new accounts should get traffic, not be starved by the ranking.
	coldStartRate = 0.80
	defaultUptime = 0.99
)

type Factor struct {
	Key         string `json:"key"`
	Value       int    `json:"value"`
	Description string `json:"description"`
}

type Score struct {
	AccountID string   `json:"account_id"`
	Provider  string   `json:"provider"`
	Score     int      `json:"score"`
	Factors   []Factor `json:"factors"`

	Account dao.Account `json:"-"`
}

type Scorer struct {
	db  dao.DAO
	lim *limiter.Limiter
	log *logrus.Logger

	rates  *ttlcache.Cache[string, float64]
	uptime *ttlcache.Cache[string, float64]
}

func New(db dao.DAO, lim *limiter.Limiter, lc *tools.Logger) *Scorer {
	s := &Scorer{
		db:     db,
		lim:    lim,
		log:    lc.New("routing"),
		rates:  ttlcache.New[string, float64](ttlcache.WithTTL[string, float64](statsTTL), ttlcache.WithDisableTouchOnHit[string, float64]()),
		uptime: ttlcache.New[string, float64](ttlcache.WithTTL[string, float64](statsTTL), ttlcache.WithDisableTouchOnHit[string, float64]()),
	}
	go s.rates.Start()
	go s.uptime.Start()
	return s
}

func (s *Scorer) Stop() {
	s.rates.Stop()
	s.uptime.Stop()
}

// Score ranks the org's active accounts for one recipient, best first. Ties
// keep the accounts' enumeration order; the orchestrator walks the result in
// order when falling back between providers.
func (s *Scorer) Score(orgID, recipientEmail, mxHint string) ([]Score, error) {
	accounts, err := s.db.ActiveAccounts(orgID)
	if err != nil {
		return nil, fmt.Errorf("could not load accounts for org %s: %w", orgID, err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	scored := make([]Score, 0, len(accounts))
	for _, account := range accounts {
		scored = append(scored, s.score(account, mxHint))
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	s.log.WithField("org", orgID).WithField("mx_hint", mxHint).
		Debugf("scored %d accounts for %s", len(scored), recipientEmail)
	return scored, nil
}

func (s *Scorer) score(account dao.Account, mxHint string) Score {
	var factors []Factor
	total := 0

	rate := s.successRate(account.ID, mxHint)
	v := int(math.Round(rate * 60))
	factors = append(factors, Factor{Key: "success_rate", Value: v, Description: fmt.Sprintf("%.1f%% success against %s", rate*100, mxHint)})
	total += v

	up := s.uptimeOf(account.ID)
	v = int(math.Round(up * 10))
	factors = append(factors, Factor{Key: "uptime", Value: v, Description: fmt.Sprintf("%.1f%% uptime", up*100)})
	total += v

	bounces := s.recentBounces(account.ID)
	v = -min(10, bounces)
	factors = append(factors, Factor{Key: "recent_bounces", Value: v, Description: fmt.Sprintf("%d hard bounces in 24h", bounces)})
	total += v

	v = s.ratePressure(account)
	factors = append(factors, Factor{Key: "rate_limit", Value: v, Description: pressureDescription(v)})
	total += v

	if account.Starttls {
		factors = append(factors, Factor{Key: "starttls", Value: 5, Description: "STARTTLS supported"})
		total += 5
	}
	if account.Pipelining {
		factors = append(factors, Factor{Key: "pipelining", Value: 3, Description: "PIPELINING supported"})
		total += 3
	}
	if account.MaxSize > 10*1024*1024 {
		factors = append(factors, Factor{Key: "size", Value: 2, Description: "large messages supported"})
		total += 2
	}
	if account.LatencyMs.Valid {
		v = -min(5, int(account.LatencyMs.Int64/200))
		factors = append(factors, Factor{Key: "latency", Value: v, Description: fmt.Sprintf("%dms measured latency", account.LatencyMs.Int64)})
		total += v
	}

	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	return Score{
		AccountID: account.ID,
		Provider:  account.Provider,
		Score:     total,
		Factors:   factors,
		Account:   account,
	}
}

func (s *Scorer) successRate(accountID, mxHint string) float64 {
	key := accountID + ":" + mxHint
	if item := s.rates.Get(key); item != nil {
		return item.Value()
	}

	ok, totalAttempts, err := s.db.AttemptStats(accountID, mxHint, time.Now().Add(-statsWindow))
	if err != nil {
		s.log.WithError(err).WithField("account", accountID).Error("could not load attempt stats")
		return coldStartRate
	}
	if totalAttempts == 0 {
		return coldStartRate
	}

	rate := float64(ok) / float64(totalAttempts)
	s.rates.Set(key, rate, statsTTL)
	return rate
}

func (s *Scorer) uptimeOf(accountID string) float64 {
	if item := s.uptime.Get(accountID); item != nil {
		return item.Value()
	}
	// No dedicated failure signal tracked yet, assume healthy.
	s.uptime.Set(accountID, defaultUptime, statsTTL)
	return defaultUptime
}

func (s *Scorer) recentBounces(accountID string) int {
	count, err := s.db.RecentHardBounces(accountID, time.Now().Add(-bounceWindow))
	if err != nil {
		s.log.WithError(err).WithField("account", accountID).Error("could not count recent bounces")
		return 0
	}
	return count
}

func (s *Scorer) ratePressure(account dao.Account) int {
	if account.RateLimitPerMin <= 0 {
		return 0
	}
	res := s.lim.Peek(SendKey(account.ID), account.RateLimitPerMin, time.Minute)
	usage := float64(account.RateLimitPerMin-res.Remaining) / float64(account.RateLimitPerMin)
	switch {
	case usage >= 0.9:
		return -10
	case usage >= 0.7:
		return -5
	}
	return 0
}

// SendKey is the limiter key tracking an account's send throughput; the
// orchestrator consumes from the same key when it attempts delivery.
func SendKey(accountID string) string {
	return "ratelimit:smtp:" + accountID
}

func pressureDescription(v int) string {
	if v < 0 {
		return "close to the per-minute cap"
	}
	return "capacity available"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
