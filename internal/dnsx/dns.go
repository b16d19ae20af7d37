// Package dnsx looks up the mail exchangers of recipient domains.
package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/offer/tools"
	"github.com/sirupsen/logrus"
)

// ErrNoMX means the domain exists in no form that accepts email.
var ErrNoMX = errors.New("domain has no mail exchanger")

type Config struct {
	Resolver string        `cli:"dns-resolver"`
	Timeout  time.Duration `cli:"dns-timeout"`
}

type MXer interface {
	MX(domain string) ([]string, error)
}

type Client interface {
	MXer
	Stop(ctx context.Context) error
}

type client struct {
	mxCache      *ttlcache.Cache[string, []string]
	mu           *tools.KeyedMutex
	log          *logrus.Logger
	resolverHost string
	resolverPort string
	timeout      time.Duration
}

func New(cfg Config, lc *tools.Logger) Client {
	m := &client{
		mxCache: ttlcache.New[string, []string](ttlcache.WithDisableTouchOnHit[string, []string]()),
		mu:      tools.NewKeyedMutex(),
		log:     lc.New("dnsx"),
		timeout: compare.Coalesce(cfg.Timeout, 5*time.Second),
	}

	var err error
	m.resolverHost, m.resolverPort, err = net.SplitHostPort(cfg.Resolver)
	if err != nil {
		m.log.WithError(err).Warnf("could not split host and port of resolver %q, defaulting to 1.1.1.1:53", cfg.Resolver)
		m.resolverHost = "1.1.1.1"
		m.resolverPort = "53"
	}

	m.log.Infof("Starting dnsx with resolver %s:%s", m.resolverHost, m.resolverPort)

	go m.mxCache.Start()
	return m
}

func (c *client) Stop(ctx context.Context) error {
	c.mxCache.Stop()
	return nil
}

// MX returns the mail servers of domain, most preferred first, as host:25.
func (c *client) MX(domain string) ([]string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	c.mu.Lock(domain)
	defer c.mu.Unlock(domain)

	item := c.mxCache.Get(domain)
	if item != nil {
		return item.Value(), nil
	}

	cli := dns.Client{Timeout: c.timeout}
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	m.RecursionDesired = true

	r, _, err := cli.Exchange(m, net.JoinHostPort(c.resolverHost, c.resolverPort))
	if err != nil {
		err = fmt.Errorf("could not query mx of %s: %w", domain, err)
		c.log.WithError(err).WithField("domain", domain).Info("could not resolve domain")
		return nil, err
	}

	if r.Rcode == dns.RcodeNameError {
		return nil, fmt.Errorf("%s does not exist: %w", domain, ErrNoMX)
	}
	if r.Rcode != dns.RcodeSuccess {
		err = fmt.Errorf("mx query for %s answered %s", domain, dns.RcodeToString[r.Rcode])
		c.log.WithError(err).WithField("dns-rcode", r.Rcode).WithField("domain", domain).Info("invalid answer for domain")
		return nil, err
	}

	mxa := slicez.Map(r.Answer, func(a dns.RR) *dns.MX {
		mx, _ := a.(*dns.MX)
		return mx
	})
	mxa = slicez.Reject(mxa, compare.IsZero[*dns.MX]())
	mxa = slicez.SortBy(mxa, func(i, j *dns.MX) bool {
		return i.Preference < j.Preference
	})
	// a null mx, RFC 7505, explicitly refuses mail
	mxa = slicez.Reject(mxa, func(mx *dns.MX) bool {
		return mx.Mx == "."
	})
	if len(mxa) == 0 {
		return nil, fmt.Errorf("no mx records for %s: %w", domain, ErrNoMX)
	}

	serv := slicez.Map(mxa, func(mx *dns.MX) string {
		return strings.TrimRight(mx.Mx, ".") + ":25"
	})
	ttl := slicez.Min(slicez.Map(mxa, func(mx *dns.MX) uint32 {
		return mx.Hdr.Ttl
	})...)

	c.mxCache.Set(domain, serv, time.Duration(ttl)*time.Second)

	return serv, nil
}
