package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/postverk/postverk/dnsx"
	"github.com/postverk/postverk/internal/config"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/internal/dkim"
	"github.com/postverk/postverk/internal/dmarc"
	"github.com/postverk/postverk/internal/limiter"
	"github.com/postverk/postverk/internal/metrics"
	"github.com/postverk/postverk/internal/mta"
	"github.com/postverk/postverk/internal/mxlock"
	"github.com/postverk/postverk/internal/routing"
	"github.com/postverk/postverk/internal/spool"
	"github.com/postverk/postverk/internal/web"
	"github.com/postverk/postverk/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {

	app := &cli.App{
		Name:   "postverkd",
		Usage:  "deliverability and routing daemon for outbound email",
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: start,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func start(c *cli.Context) error {
	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "postverkd"})
	lc := tools.LoggerCloner(l)

	cfg := config.Get()

	l.Infof("starting postverkd on %s", cfg.Hostname)

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		l.WithError(err).Fatal("could not open database")
	}

	dns := dnsx.New(dnsx.Config{Resolver: cfg.DNSResolver}, lc)

	var publisher dnsx.Publisher = dnsx.ManualPublisher{}
	if cfg.CloudflareAPIToken != "" {
		publisher = dnsx.NewCloudflarePublisher(cfg.CloudflareAPIToken, cfg.CloudflareZoneID, lc)
	}

	lim := limiter.New(limiter.NewMemoryStore(), lc)
	sem := mxlock.New(mxlock.NewMemoryStore(), lc)
	scorer := routing.New(db, lim, lc)

	dkimScheduler := dkim.New(db, dns, lc)
	dmarcEngine := dmarc.New(db, publisher, lc)

	prom := metrics.New(metrics.Config{
		ServiceName:  "postverkd",
		Push:         cfg.MetricsPush,
		PushInterval: cfg.MetricsPushInterval,
		Poll:         cfg.MetricsPoll,
		PollUser:     cfg.MetricsPollUser,
		PollPassword: cfg.MetricsPollPassword,
	}, lc)
	prom.Start()

	spooler := spool.New(db, lc)

	sender := mta.New(mta.Config{
		Hostname:       cfg.Hostname,
		Workers:        cfg.Workers,
		GlobalSendRate: cfg.GlobalSendRate,
		AttemptTimeout: cfg.AttemptTimeout,
	}, db, dns, scorer, lim, sem, spooler, nil, lc)
	sender.Start()

	server := web.New(web.Config{
		Port:         cfg.APIPort,
		AutoTLS:      cfg.APIAutoTLS,
		AutoTLSEmail: cfg.APIAutoTLSEmail,
		Hostname:     cfg.Hostname,
		ProbeTimeout: cfg.AttemptTimeout,
	}, db, spooler, scorer, lim, dns, dkimScheduler, dmarcEngine, prom, lc)
	server.Start()

	services := []Stoppable{server, sender, prom, dns}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	scorer.Stop()
	l.Infof("shutdown complete")
	return nil
}
