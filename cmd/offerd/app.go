package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/modfin/offer/internal/approval"
	"github.com/modfin/offer/internal/config"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/delivery"
	"github.com/modfin/offer/internal/dkim"
	"github.com/modfin/offer/internal/dnsx"
	"github.com/modfin/offer/internal/lock"
	"github.com/modfin/offer/internal/metrics"
	"github.com/modfin/offer/internal/scheduling"
	"github.com/modfin/offer/pkg/zid"
	"github.com/modfin/offer/tools"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg *config.Config
	lc  *tools.Logger

	db         dao.DAO
	scheduling *scheduling.Service
	approval   *approval.Service
	worker     *delivery.Worker

	closers []io.Closer
}

func build(cfg *config.Config, lc *tools.Logger, m *metrics.Metrics) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := dao.New(cfg.DbDriver, cfg.DbURI, lc)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	a := &app{
		cfg:     cfg,
		lc:      lc,
		db:      db,
		closers: []io.Closer{db},
	}

	var locker lock.Locker = lock.NewMemory(nil)
	if cfg.LockBackend == "database" {
		host, _ := os.Hostname()
		locker = lock.NewShared(db, fmt.Sprintf("%s-%s", host, zid.NewString()), nil, lc)
	}

	deliverer, closer, err := newDeliverer(cfg, lc)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	factory := promauto.With(nil)
	if m != nil {
		factory = m.Register()
	}

	a.scheduling = scheduling.New(db, nil, lc)
	if cfg.CheckMX {
		mx := dnsx.New(dnsx.Config{Resolver: cfg.DNSResolver}, lc)
		a.scheduling.WithRecipientCheck(mx)
		a.closers = append(a.closers, closerFunc(func() error {
			return mx.Stop(context.Background())
		}))
	}
	a.approval = approval.New(db, nil, nil, lc)
	a.worker = delivery.New(delivery.Config{
		BatchSize:       cfg.BatchSize,
		Concurrency:     cfg.Workers,
		LockTTL:         cfg.LockTTL,
		DeliveryTimeout: cfg.DeliveryTimeout,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
	}, db, locker, deliverer, lc, delivery.WithMetrics(factory))

	return a, nil
}

func newDeliverer(cfg *config.Config, lc *tools.Logger) (delivery.Deliverer, io.Closer, error) {
	switch cfg.Delivery {
	case "smtp":
		d := delivery.NewSMTP(delivery.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if cfg.DKIMSelector == "" {
			return d, nil, nil
		}
		domain := cfg.DKIMDomain
		if domain == "" {
			domain, _ = tools.DomainOfEmail(cfg.SMTPFrom)
		}
		signer, err := dkim.New(dkim.Config{
			Domain:     domain,
			Selector:   cfg.DKIMSelector,
			PEMKey:     cfg.DKIMPrivateKey,
			PEMKeyFile: cfg.DKIMPrivateKeyFile,
		})
		if err != nil {
			return nil, nil, err
		}
		return d.WithSigner(signer), nil, nil
	case "http":
		return delivery.NewHTTP(cfg.DeliveryURL, cfg.DeliveryToken, nil), nil, nil
	case "amqp":
		d := delivery.NewAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		return d, d, nil
	}
	return delivery.NewLog(lc), nil, nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
