package spool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/postverk/postverk"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpoolDB struct {
	dao.DAO

	mu      sync.Mutex
	jobs    map[string]dao.SpoolJob
	claimed []string
}

func newFakeSpoolDB() *fakeSpoolDB {
	return &fakeSpoolDB{jobs: map[string]dao.SpoolJob{}}
}

func (f *fakeSpoolDB) AddJob(job dao.SpoolJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Status = dao.SpoolQueued
	f.jobs[job.JobID] = job
	return nil
}

func (f *fakeSpoolDB) DueJobs(limit int) ([]dao.SpoolJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []dao.SpoolJob
	for _, job := range f.jobs {
		if job.Status == dao.SpoolQueued && !job.NotBefore.After(time.Now()) {
			due = append(due, job)
		}
	}
	return due, nil
}

func (f *fakeSpoolDB) ClaimJob(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[jobID]
	job.Status = dao.SpoolProcessing
	f.jobs[jobID] = job
	f.claimed = append(f.claimed, jobID)
	return nil
}

func (f *fakeSpoolDB) RequeueJob(jobID string, notBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[jobID]
	job.Status = dao.SpoolQueued
	job.Try++
	job.NotBefore = notBefore
	f.jobs[jobID] = job
	return nil
}

func (f *fakeSpoolDB) SetJobStatus(jobID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[jobID]
	job.Status = status
	f.jobs[jobID] = job
	return nil
}

func TestSpoolHandsOverQueuedJobs(t *testing.T) {
	db := newFakeSpoolDB()
	s := New(db, tools.LoggerCloner(logrus.New()))

	jobs := s.Start()

	err := s.Enqueue(postverk.SendJob{JobID: "job_1", RecipientID: "rcpt_1", MessageID: "msg_1", OrgID: "org_1"})
	require.NoError(t, err)

	select {
	case job := <-jobs:
		assert.Equal(t, "job_1", job.JobID)
		assert.Equal(t, "rcpt_1", job.RecipientID)
	case <-time.After(3 * time.Second):
		t.Fatal("no job emitted")
	}

	db.mu.Lock()
	assert.Equal(t, dao.SpoolProcessing, db.jobs["job_1"].Status)
	db.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestSpoolHoldsBackFutureJobs(t *testing.T) {
	db := newFakeSpoolDB()
	s := New(db, tools.LoggerCloner(logrus.New()))

	jobs := s.Start()

	err := s.Enqueue(postverk.SendJob{JobID: "job_1", NotBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	select {
	case job := <-jobs:
		t.Fatalf("job %s emitted before its not-before time", job.JobID)
	case <-time.After(200 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestSpoolRequeueBacksOff(t *testing.T) {
	db := newFakeSpoolDB()
	s := New(db, tools.LoggerCloner(logrus.New()))

	require.NoError(t, db.AddJob(dao.SpoolJob{JobID: "job_1"}))

	before := time.Now()
	require.NoError(t, s.Requeue(postverk.SendJob{JobID: "job_1", Try: 3}))

	db.mu.Lock()
	job := db.jobs["job_1"]
	db.mu.Unlock()

	assert.True(t, job.NotBefore.After(before), "retry must be scheduled in the future")
	assert.True(t, job.NotBefore.Before(before.Add(61*time.Second)), "retry delay is capped at a minute")
}
