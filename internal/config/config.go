package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Hostname string `env:"POSTVERK_HOSTNAME" envDefault:"localhost"` // fqdn used for HELO/EHLO

	DbURI string `env:"POSTVERK_DB_URI" envDefault:"./postverk.sqlite"`

	Workers        int           `env:"POSTVERK_WORKERS" envDefault:"5"`
	GlobalSendRate float64       `env:"POSTVERK_GLOBAL_SEND_RATE" envDefault:"10"` // send attempts per second, all workers
	AttemptTimeout time.Duration `env:"POSTVERK_ATTEMPT_TIMEOUT" envDefault:"30s"`

	DNSResolver string `env:"POSTVERK_DNS_RESOLVER" envDefault:"1.1.1.1:53"`

	CloudflareAPIToken string `env:"POSTVERK_CLOUDFLARE_API_TOKEN"`
	CloudflareZoneID   string `env:"POSTVERK_CLOUDFLARE_ZONE_ID"`

	APIPort         int    `env:"POSTVERK_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"POSTVERK_API_AUTO_TLS" envDefault:"false"`
	APIAutoTLSEmail string `env:"POSTVERK_API_AUTO_TLS_EMAIL"`

	MetricsPoll         bool          `env:"POSTVERK_METRICS_POLL" envDefault:"true"`
	MetricsPollUser     string        `env:"POSTVERK_METRICS_POLL_USER"`
	MetricsPollPassword string        `env:"POSTVERK_METRICS_POLL_PASS"`
	MetricsPush         string        `env:"POSTVERK_METRICS_PUSH_URL"`
	MetricsPushInterval time.Duration `env:"POSTVERK_METRICS_PUSH_INTERVAL" envDefault:"1m"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
