package dnsx

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

const mxCacheTTL = 48 * time.Hour

type Config struct {
	Resolver string
}

type MXResult struct {
	Servers []string // host:port, best preference first
	Hint    string   // provider family of the receiving infrastructure
}

type Client interface {
	MX(domain string) (MXResult, error)
	TXT(name string) ([]string, error)
	CheckDkim(domain, selector string) (bool, error)
	Stop(ctx context.Context) error
}

type client struct {
	mxCache      *ttlcache.Cache[string, MXResult]
	log          *logrus.Logger
	resolverHost string
	resolverPort string
}

func New(cfg Config, lc *tools.Logger) Client {
	c := &client{
		mxCache: ttlcache.New[string, MXResult](ttlcache.WithDisableTouchOnHit[string, MXResult]()),
		log:     lc.New("dnsx"),
	}

	var err error
	c.resolverHost, c.resolverPort, err = net.SplitHostPort(cfg.Resolver)
	if err != nil {
		c.log.WithError(err).Errorf("could not split host and port of resolver %s, defaulting to 1.1.1.1", cfg.Resolver)
		c.resolverHost = compare.Coalesce(c.resolverHost, "1.1.1.1")
		c.resolverPort = compare.Coalesce(c.resolverPort, "53")
	}

	go c.mxCache.Start()
	return c
}

func (c *client) Stop(ctx context.Context) error {
	c.mxCache.Stop()
	return nil
}

// MX resolves the receiving servers for a destination domain and classifies
// the provider family. Results are cached for 48 hours; receiving
// infrastructure changes rarely and the hint only buckets statistics.
func (c *client) MX(domain string) (MXResult, error) {
	domain = strings.ToLower(domain)

	item := c.mxCache.Get(domain)
	if item != nil {
		return item.Value(), nil
	}

	cli := dns.Client{}
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	m.RecursionDesired = true

	r, _, err := cli.Exchange(m, net.JoinHostPort(c.resolverHost, c.resolverPort))
	if err != nil {
		err = fmt.Errorf("could not resolve mx for domain %s, err: %w", domain, err)
		c.log.WithError(err).WithField("domain", domain).Info("mx lookup failed")
		return MXResult{}, err
	}
	if r.Rcode != dns.RcodeSuccess {
		err = fmt.Errorf("invalid answer after MX query for %s", domain)
		c.log.WithError(err).WithField("dns-rcode", r.Rcode).WithField("domain", domain).Info("invalid mx answer")
		return MXResult{}, err
	}

	mxa := slicez.Map(r.Answer, func(a dns.RR) *dns.MX {
		mx, _ := a.(*dns.MX)
		return mx
	})
	mxa = slicez.Reject(mxa, compare.IsZero[*dns.MX]())
	mxa = slicez.SortBy(mxa, func(i, j *dns.MX) bool {
		return i.Preference < j.Preference
	})

	servers := slicez.Map(mxa, func(mx *dns.MX) string {
		return strings.TrimRight(mx.Mx, ".") + ":25"
	})
	if len(servers) == 0 {
		err = fmt.Errorf("no mx records for domain %s", domain)
		c.log.WithError(err).WithField("domain", domain).Info("no mx records found")
		return MXResult{}, err
	}

	res := MXResult{
		Servers: servers,
		Hint:    DetectHint(servers),
	}
	c.mxCache.Set(domain, res, mxCacheTTL)
	return res, nil
}

func (c *client) TXT(name string) ([]string, error) {
	cli := dns.Client{}
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	r, _, err := cli.Exchange(m, net.JoinHostPort(c.resolverHost, c.resolverPort))
	if err != nil {
		return nil, fmt.Errorf("could not resolve txt for %s, err: %w", name, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("invalid answer after TXT query for %s, rcode %d", name, r.Rcode)
	}

	var records []string
	for _, a := range r.Answer {
		txt, ok := a.(*dns.TXT)
		if !ok {
			continue
		}
		records = append(records, strings.Join(txt.Txt, ""))
	}
	return records, nil
}

// CheckDkim reports whether the selector's public key record is resolvable.
func (c *client) CheckDkim(domain, selector string) (bool, error) {
	records, err := c.TXT(fmt.Sprintf("%s._domainkey.%s", selector, domain))
	if err != nil {
		return false, err
	}
	return slicez.ContainsBy(records, func(r string) bool {
		return strings.HasPrefix(r, "v=DKIM1")
	}), nil
}
