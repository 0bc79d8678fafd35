package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/postverk/postverk"
	"github.com/postverk/postverk/dnsx"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/internal/dkim"
	"github.com/postverk/postverk/internal/dmarc"
	"github.com/postverk/postverk/internal/limiter"
	"github.com/postverk/postverk/internal/metrics"
	"github.com/postverk/postverk/internal/routing"
	"github.com/postverk/postverk/internal/spool"
	"github.com/postverk/postverk/smtpx"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

type Config struct {
	Port         int
	AutoTLS      bool
	AutoTLSEmail string

	Hostname     string // HELO name for operator-triggered probes
	ProbeTimeout time.Duration
}

type Server struct {
	cfg Config
	log *logrus.Logger

	db      dao.DAO
	spooler spool.Spooler
	scorer  *routing.Scorer
	lim     *limiter.Limiter
	dns     dnsx.Client
	dkim    *dkim.Scheduler
	dmarc   *dmarc.Engine
	prom    *metrics.Metrics

	e     *echo.Echo
	ostop sync.Once
}

func New(cfg Config, db dao.DAO, spooler spool.Spooler, scorer *routing.Scorer, lim *limiter.Limiter,
	dns dnsx.Client, dkimScheduler *dkim.Scheduler, dmarcEngine *dmarc.Engine, prom *metrics.Metrics,
	lc *tools.Logger) *Server {

	return &Server{
		cfg:     cfg,
		log:     lc.New("web"),
		db:      db,
		spooler: spooler,
		scorer:  scorer,
		lim:     lim,
		dns:     dns,
		dkim:    dkimScheduler,
		dmarc:   dmarcEngine,
		prom:    prom,
	}
}

func (s *Server) Start() {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	p := prometheus.NewPrometheus("postverk", nil)
	e.Use(p.HandlerFunc)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	e.GET("/metrics", echo.WrapHandler(s.prom.HttpMetrics()))

	e.POST("/v1/send", s.send)
	e.GET("/v1/routing/score", s.score)
	e.POST("/v1/accounts/:id/probe", s.probe)

	e.GET("/v1/domains/:id/dkim", s.dkimStatus)
	e.POST("/v1/domains/:id/dkim/plan", s.dkimPlan)
	e.POST("/v1/domains/:id/dkim/execute", s.dkimExecute)

	e.GET("/v1/domains/:id/dmarc", s.dmarcStatus)
	e.POST("/v1/domains/:id/dmarc/adjust", s.dmarcAdjust)
	e.POST("/v1/domains/:id/dmarc/publish", s.dmarcPublish)

	s.e = e
	go func() {
		var err error
		if s.cfg.AutoTLS {
			e.AutoTLSManager.Prompt = autocert.AcceptTOS
			e.AutoTLSManager.Email = s.cfg.AutoTLSEmail
			e.AutoTLSManager.Cache = autocert.DirCache(".autocert")
			err = e.StartAutoTLS(fmt.Sprintf(":%d", s.cfg.Port))
		} else {
			err = e.Start(fmt.Sprintf(":%d", s.cfg.Port))
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("could not start web server")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		if s.e != nil {
			err = s.e.Shutdown(ctx)
		}
	})
	return err
}

type sendRequest struct {
	OrgID             string   `json:"org_id"`
	Subject           string   `json:"subject"`
	Body              string   `json:"body"`
	IdentityName      string   `json:"identity_name"`
	CustomDisplayName *string  `json:"custom_display_name,omitempty"`
	Recipients        []string `json:"recipients"`
}

type sendResponse struct {
	MessageID string   `json:"message_id"`
	JobIDs    []string `json:"job_ids"`
}

func (s *Server) send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse request body")
	}
	if req.OrgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "org_id is required")
	}
	if len(req.Recipients) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one recipient is required")
	}

	if err := s.authorize(c, req.OrgID); err != nil {
		return err
	}

	res := s.lim.CheckAPI(req.OrgID)
	if !res.Allowed {
		c.Response().Header().Set("Retry-After", res.RetryAfter.String())
		return echo.NewHTTPError(http.StatusTooManyRequests, "request rate limit exceeded")
	}

	for _, rcpt := range req.Recipients {
		if !tools.ValidEmail(rcpt) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s is not a valid email address", rcpt))
		}
	}

	message := dao.Message{
		ID:           uuid.NewString(),
		OrgID:        req.OrgID,
		Subject:      req.Subject,
		Body:         req.Body,
		IdentityName: req.IdentityName,
	}
	if req.CustomDisplayName != nil {
		message.CustomDisplayName.String = *req.CustomDisplayName
		message.CustomDisplayName.Valid = true
	}
	if err := s.db.AddMessage(message); err != nil {
		s.log.WithError(err).Error("could not store message")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store message")
	}

	jobIDs := make([]string, 0, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		recipient := dao.Recipient{
			ID:        uuid.NewString(),
			MessageID: message.ID,
			ToEmail:   rcpt,
		}
		if err := s.db.AddRecipient(recipient); err != nil {
			s.log.WithError(err).Error("could not store recipient")
			return echo.NewHTTPError(http.StatusInternalServerError, "could not store recipient")
		}

		jobID := uuid.NewString()
		err := s.spooler.Enqueue(postverk.SendJob{
			JobID:       jobID,
			RecipientID: recipient.ID,
			MessageID:   message.ID,
			OrgID:       req.OrgID,
		})
		if err != nil {
			s.log.WithError(err).Error("could not enqueue job")
			return echo.NewHTTPError(http.StatusInternalServerError, "could not enqueue job")
		}
		jobIDs = append(jobIDs, jobID)
	}

	return c.JSON(http.StatusAccepted, sendResponse{MessageID: message.ID, JobIDs: jobIDs})
}

// authorize matches the bearer token against the org's api key. Failed
// matches burn login-style rate limit points so keys cannot be brute forced.
func (s *Server) authorize(c echo.Context, orgID string) error {
	settings, err := s.db.GetOrgSettings(orgID)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown org")
	}
	if settings.APIKey == "" {
		return nil
	}

	token := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(settings.APIKey)) == 1 {
		s.lim.ResetLogin(orgID)
		return nil
	}

	res := s.lim.CheckLogin(orgID)
	if !res.Allowed {
		c.Response().Header().Set("Retry-After", res.RetryAfter.String())
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed authentication attempts")
	}
	return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
}

func (s *Server) probe(c echo.Context) error {
	account, err := s.db.GetAccount(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}

	timeout := s.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	caps, err := smtpx.Probe(fmt.Sprintf("%s:%d", account.Host, account.Port), s.cfg.Hostname, timeout)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("probe failed: %v", err))
	}

	err = s.db.UpdateCapabilities(account.ID, caps.Starttls, caps.Pipelining, caps.MaxSize, caps.Latency.Milliseconds())
	if err != nil {
		s.log.WithError(err).Error("could not store capability snapshot")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store capability snapshot")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"starttls":   caps.Starttls,
		"pipelining": caps.Pipelining,
		"max_size":   caps.MaxSize,
		"latency_ms": caps.Latency.Milliseconds(),
	})
}

func (s *Server) score(c echo.Context) error {
	orgID := c.QueryParam("org_id")
	email := c.QueryParam("email")
	if orgID == "" || email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "org_id and email are required")
	}
	if !tools.ValidEmail(email) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s is not a valid email address", email))
	}

	domain, err := tools.DomainOfEmail(email)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	hint := postverk.HintOther
	mx, err := s.dns.MX(domain)
	if err == nil {
		hint = mx.Hint
	}

	scores, err := s.scorer.Score(orgID, email, hint)
	if errors.Is(err, routing.ErrNoAccounts) {
		return echo.NewHTTPError(http.StatusNotFound, "no active sending accounts")
	}
	if err != nil {
		s.log.WithError(err).Error("could not score accounts")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not score accounts")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"mx_hint": hint,
		"scores":  scores,
	})
}

func (s *Server) dkimStatus(c echo.Context) error {
	st, err := s.dkim.Status(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown domain")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) dkimPlan(c echo.Context) error {
	force := c.QueryParam("force") == "true"

	plan, err := s.dkim.PlanRotation(c.Param("id"), force)
	if errors.Is(err, dkim.ErrRotationPending) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		s.log.WithError(err).Error("could not plan rotation")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not plan rotation")
	}
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) dkimExecute(c echo.Context) error {
	err := s.dkim.ExecuteRotation(c.Param("id"))
	switch {
	case errors.Is(err, dkim.ErrNoPending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, dkim.ErrNotDue), errors.Is(err, dkim.ErrNotPropagated):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())
	case err != nil:
		s.log.WithError(err).Error("could not execute rotation")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not execute rotation")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) dmarcStatus(c echo.Context) error {
	st, err := s.dmarc.GetStatus(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown domain")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) dmarcAdjust(c echo.Context) error {
	next, reason, err := s.dmarc.Adjust(c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("could not adjust dmarc policy")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not adjust dmarc policy")
	}
	if next == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"changed": false, "reason": reason})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"changed": true, "next": next})
}

func (s *Server) dmarcPublish(c echo.Context) error {
	err := s.dmarc.Publish(c.Param("id"))
	if errors.Is(err, dnsx.ErrManualPublish) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		s.log.WithError(err).Error("could not publish dmarc record")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not publish dmarc record")
	}
	return c.NoContent(http.StatusNoContent)
}
