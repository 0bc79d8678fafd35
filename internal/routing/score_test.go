package routing

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/internal/limiter"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

type fakeDB struct {
	dao.DAO

	accounts    []dao.Account
	accountsErr error
	stats       map[string][2]int // accountID:hint -> {ok, total}
	bounces     map[string]int
}

func (f *fakeDB) ActiveAccounts(orgID string) ([]dao.Account, error) {
	return f.accounts, f.accountsErr
}

func (f *fakeDB) AttemptStats(accountID, mxHint string, since time.Time) (int, int, error) {
	s := f.stats[accountID+":"+mxHint]
	return s[0], s[1], nil
}

func (f *fakeDB) RecentHardBounces(accountID string, since time.Time) (int, error) {
	return f.bounces[accountID], nil
}

func newTestScorer(db dao.DAO) (*Scorer, *limiter.Limiter) {
	lc := tools.LoggerCloner(logrus.New())
	lim := limiter.New(limiter.NewMemoryStore(), lc)
	return New(db, lim, lc), lim
}

func account(id string) dao.Account {
	return dao.Account{ID: id, OrgID: "org1", Provider: "test", Host: "smtp.test", Port: 587, Status: dao.AccountStatusActive}
}

func TestScoreColdStart(t *testing.T) {
	t.Parallel()
	db := &fakeDB{accounts: []dao.Account{account("a")}}
	s, _ := newTestScorer(db)
	defer s.Stop()

	scores, err := s.Score("org1", "rcpt@example.com", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	// round(0.8*60) + round(0.99*10) = 48 + 10
	if scores[0].Score != 58 {
		t.Errorf("cold start score = %d, want 58", scores[0].Score)
	}
}

func TestScoreRanking(t *testing.T) {
	t.Parallel()
	strong := account("strong")
	strong.Starttls = true
	strong.Pipelining = true
	strong.MaxSize = 20 * 1024 * 1024

	weak := account("weak")
	weak.LatencyMs = sql.NullInt64{Int64: 1200, Valid: true}

	db := &fakeDB{
		accounts: []dao.Account{weak, strong},
		stats: map[string][2]int{
			"strong:gmail": {95, 100},
			"weak:gmail":   {40, 100},
		},
		bounces: map[string]int{"weak": 15},
	}
	s, _ := newTestScorer(db)
	defer s.Stop()

	scores, err := s.Score("org1", "rcpt@example.com", "gmail")
	if err != nil {
		t.Fatal(err)
	}

	// strong: 57 + 10 + 5 + 3 + 2 = 77. weak: 24 + 10 - 10 - 5 = 19.
	want := []struct {
		id    string
		score int
	}{{"strong", 77}, {"weak", 19}}
	for i, w := range want {
		if scores[i].AccountID != w.id || scores[i].Score != w.score {
			t.Errorf("rank %d: got %s=%d, want %s=%d", i, scores[i].AccountID, scores[i].Score, w.id, w.score)
		}
	}
}

func TestScoreStableTieBreak(t *testing.T) {
	t.Parallel()
	db := &fakeDB{accounts: []dao.Account{account("first"), account("second"), account("third")}}
	s, _ := newTestScorer(db)
	defer s.Stop()

	scores, err := s.Score("org1", "rcpt@example.com", "other")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, sc := range scores {
		got = append(got, sc.AccountID)
	}
	if diff := deep.Equal(got, []string{"first", "second", "third"}); diff != nil {
		t.Errorf("tied accounts must keep enumeration order: %v", diff)
	}
}

func TestScoreIdempotentWithinTTL(t *testing.T) {
	t.Parallel()
	db := &fakeDB{
		accounts: []dao.Account{account("a"), account("b")},
		stats:    map[string][2]int{"a:gmail": {70, 100}, "b:gmail": {90, 100}},
	}
	s, _ := newTestScorer(db)
	defer s.Stop()

	first, err := s.Score("org1", "rcpt@example.com", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	// Underlying stats change, but the cache holds for 10 minutes.
	db.stats["a:gmail"] = [2]int{100, 100}
	second, err := s.Score("org1", "rcpt@example.com", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(first, second); diff != nil {
		t.Errorf("ranking changed within cache TTL: %v", diff)
	}
}

func TestScoreRatePressure(t *testing.T) {
	t.Parallel()
	capped := account("capped")
	capped.RateLimitPerMin = 10

	db := &fakeDB{accounts: []dao.Account{capped}}
	s, lim := newTestScorer(db)
	defer s.Stop()

	baseline, _ := s.Score("org1", "rcpt@example.com", "other")

	for i := 0; i < 9; i++ {
		lim.Check(SendKey("capped"), 10, time.Minute, 0)
	}
	pressured, _ := s.Score("org1", "rcpt@example.com", "other")

	if pressured[0].Score != baseline[0].Score-10 {
		t.Errorf("usage >= 90%% should cost 10 points, got %d -> %d", baseline[0].Score, pressured[0].Score)
	}
}

func TestScoreNoAccounts(t *testing.T) {
	t.Parallel()
	s, _ := newTestScorer(&fakeDB{})
	defer s.Stop()

	_, err := s.Score("org1", "rcpt@example.com", "gmail")
	if !errors.Is(err, ErrNoAccounts) {
		t.Errorf("want ErrNoAccounts, got %v", err)
	}
}
