package spool

import (
	"context"
	"sync"
	"time"

	"github.com/postverk/postverk"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/internal/signals"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

// The spool is the durable handover between the api and the send workers.
// Jobs survive a restart; a job claimed by a worker that then crashes is
// re-queued by an operator, never silently lost.

const (
	pollInterval = 10 * time.Second
	batchSize    = 100

	// Delay growth for a job's n:th retry starts from this base.
	retryBase = time.Second
)

type Spooler interface {
	Enqueue(job postverk.SendJob) error

	// Start returns the channel of claimed jobs due for delivery. Each job
	// is emitted exactly once per claim.
	Start() <-chan postverk.SendJob

	// Requeue schedules another try with backoff derived from the try count.
	Requeue(job postverk.SendJob) error

	Succeed(jobID string) error
	Fail(jobID string) error

	Stop(ctx context.Context) error
}

func New(db dao.DAO, lc *tools.Logger) Spooler {
	return &spool{
		db:      db,
		log:     lc.New("spool"),
		jobs:    make(chan postverk.SendJob, batchSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

type spool struct {
	db  dao.DAO
	log *logrus.Logger

	jobs    chan postverk.SendJob
	done    chan struct{}
	stopped chan struct{}

	ostart sync.Once
	ostop  sync.Once
}

func (s *spool) Enqueue(job postverk.SendJob) error {
	err := s.db.AddJob(dao.SpoolJob{
		JobID:       job.JobID,
		RecipientID: job.RecipientID,
		MessageID:   job.MessageID,
		OrgID:       job.OrgID,
		NotBefore:   job.NotBefore,
	})
	if err != nil {
		return err
	}
	signals.Notify(signals.NewJobInSpool)
	return nil
}

func (s *spool) Start() <-chan postverk.SendJob {
	s.ostart.Do(func() {
		go s.run()
	})
	return s.jobs
}

func (s *spool) run() {
	defer close(s.stopped)
	defer close(s.jobs)

	wake, cancel := signals.Listen(signals.NewJobInSpool)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s.dispatchDue()

		select {
		case <-s.done:
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (s *spool) dispatchDue() {
	due, err := s.db.DueJobs(batchSize)
	if err != nil {
		s.log.WithError(err).Error("could not list due jobs")
		return
	}

	for _, job := range due {
		err = s.db.ClaimJob(job.JobID)
		if err != nil {
			// Another worker got there first.
			s.log.WithError(err).WithField("job", job.JobID).Debug("could not claim job")
			continue
		}

		select {
		case s.jobs <- postverk.SendJob{
			JobID:       job.JobID,
			RecipientID: job.RecipientID,
			MessageID:   job.MessageID,
			OrgID:       job.OrgID,
			Try:         job.Try,
			NotBefore:   job.NotBefore,
		}:
		case <-s.done:
			// Claimed but not handed over, put it back.
			_ = s.db.SetJobStatus(job.JobID, dao.SpoolQueued)
			return
		}
	}
}

func (s *spool) Requeue(job postverk.SendJob) error {
	delay := tools.Backoff(job.Try, retryBase)
	s.log.WithField("job", job.JobID).WithField("try", job.Try).
		Infof("requeueing with %s delay", delay)
	return s.db.RequeueJob(job.JobID, time.Now().Add(delay))
}

func (s *spool) Succeed(jobID string) error {
	return s.db.SetJobStatus(jobID, dao.SpoolSent)
}

func (s *spool) Fail(jobID string) error {
	return s.db.SetJobStatus(jobID, dao.SpoolFailed)
}

func (s *spool) Stop(ctx context.Context) error {
	s.ostop.Do(func() {
		close(s.done)
	})
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
