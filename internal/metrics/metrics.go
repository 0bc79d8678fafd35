package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/postverk/postverk/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

// Delivery pipeline collectors. Registered once against the default
// registerer so every package increments the same series.
var (
	SendAttempts = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(prometheus.CounterOpts{
		Name: "send_attempts_total",
		Help: "Number of SMTP delivery attempts by result.",
	}, []string{"result", "mx_hint"})

	Deliveries = promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
		Name: "deliveries_total",
		Help: "Number of recipients delivered.",
	})

	Failures = promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
		Name: "failures_total",
		Help: "Number of recipients that exhausted all delivery options.",
	})

	Requeues = promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
		Name: "requeues_total",
		Help: "Number of jobs put back into the spool for a later try.",
	})

	AttemptDuration = promauto.With(prometheus.DefaultRegisterer).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "send_attempt_duration_seconds",
		Help:    "Duration of one SMTP transaction.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"result"})

	SemaphoreDenied = promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
		Name: "mx_semaphore_denied_total",
		Help: "Number of admissions denied by the per-destination semaphore.",
	})
)

type Config struct {
	ServiceName  string
	Push         string
	PushInterval time.Duration
	Poll         bool
	PollUser     string
	PollPassword string
}

func New(c Config, lc *tools.Logger) *Metrics {
	m := &Metrics{
		config:  c,
		logger:  lc.New("prometheus"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if c.Push != "" {
		m.pusher = push.New(c.Push, c.ServiceName).Gatherer(prometheus.DefaultGatherer)
	}
	return m
}

type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config Config
	pusher *push.Pusher
	logger *logrus.Logger

	ostart sync.Once
	ostop  sync.Once
}

func (m *Metrics) Start() {
	m.ostart.Do(func() {
		if m.pusher == nil {
			close(m.stopped)
			return
		}
		if m.config.PushInterval.Seconds() < 10 {
			m.config.PushInterval = 1 * time.Minute
		}
		go func() {
			defer close(m.stopped)

			ticker := time.NewTicker(m.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.done:
					return
				case <-ticker.C:
					m.push()
				}
			}
		}()
	})
}

func (m *Metrics) Stop(ctx context.Context) error {
	m.ostop.Do(func() {
		close(m.done)
	})
	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Metrics) Register() promauto.Factory {
	return promauto.With(prometheus.DefaultRegisterer)
}

func (m *Metrics) HttpMetrics() http.HandlerFunc {
	if !m.config.Poll {
		m.logger.Infof("metrics polling is disabled")
		return func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, "Not Found", http.StatusNotFound)
		}
	}
	m.logger.Infof("metrics polling is enabled")

	if m.config.PollUser != "" || m.config.PollPassword != "" {
		m.logger.WithField("user", m.config.PollUser).Infof("basic auth enabled for metrics polling endpoint")
	}

	return func(writer http.ResponseWriter, request *http.Request) {
		if m.config.PollUser != "" || m.config.PollPassword != "" {
			user, pass, ok := request.BasicAuth()
			if !ok || user != m.config.PollUser || subtle.ConstantTimeCompare([]byte(pass), []byte(m.config.PollPassword)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		promhttp.Handler().ServeHTTP(writer, request)
	}
}

func (m *Metrics) push() {
	if m.pusher == nil {
		return
	}
	m.logger.Infof("pushing metrics to %s", m.config.Push)
	err := m.pusher.Push()
	if err != nil {
		m.logger.Errorf("failed to push metrics: %v", err)
	}
}
