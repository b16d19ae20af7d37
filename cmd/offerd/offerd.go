package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modfin/offer"
	"github.com/modfin/offer/internal/approval"
	"github.com/modfin/offer/internal/clix"
	"github.com/modfin/offer/internal/config"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/metrics"
	"github.com/modfin/offer/internal/timex"
	"github.com/modfin/offer/internal/web"
	"github.com/modfin/offer/pkg/zid"
	"github.com/modfin/offer/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "offerd",
		Usage: "schedules offer emails and tracks the clients' decisions",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the http api, and the delivery loop if OFFERD_TICK_INTERVAL is set",
				Action: serve,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "metrics-service-name", Value: "offerd", EnvVars: []string{"OFFERD_METRICS_SERVICE_NAME"}},
					&cli.StringFlag{Name: "metrics-push-url", EnvVars: []string{"OFFERD_METRICS_PUSH_URL"}},
					&cli.DurationFlag{Name: "metrics-push-interval", Value: time.Minute, EnvVars: []string{"OFFERD_METRICS_PUSH_INTERVAL"}},
					&cli.BoolFlag{Name: "metrics-poll", EnvVars: []string{"OFFERD_METRICS_POLL"}},
					&cli.StringFlag{Name: "metrics-poll-basic-auth-user", EnvVars: []string{"OFFERD_METRICS_POLL_USER"}},
					&cli.StringFlag{Name: "metrics-poll-basic-auth-pass", EnvVars: []string{"OFFERD_METRICS_POLL_PASS"}},
				},
			},
			{
				Name:   "tick",
				Usage:  "run one delivery tick and exit",
				Action: tick,
			},
			{
				Name:   "expire",
				Usage:  "expire approvals past their valid until and exit",
				Action: expire,
			},
			{
				Name:   "migrate",
				Usage:  "create or update the database schema",
				Action: migrate,
			},
			{
				Name:   "seed",
				Usage:  "create a pending offer send with its approval",
				Action: seed,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "project", Value: "Offer"},
					&cli.StringFlag{Name: "subject", Value: "Your offer"},
					&cli.StringFlag{Name: "message", Value: "Please find your offer below."},
					&cli.StringFlag{Name: "pdf-url"},
					&cli.DurationFlag{Name: "valid-for", Value: 30 * 24 * time.Hour},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func logger(cfg *config.Config) *tools.Logger {
	return tools.LoggerCloner(tools.NewLogger(cfg.LogLevel, cfg.LogJSON))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(c *cli.Context) error {
	cfg := config.Get()
	lc := logger(cfg)
	l := lc.New("offerd")

	m := metrics.New(clix.Parse[metrics.Config](c), lc)
	a, err := build(cfg, lc, m)
	if err != nil {
		return err
	}
	defer a.Close()

	users, err := cfg.Users()
	if err != nil {
		return err
	}
	srv := web.New(web.Config{
		Port:            cfg.APIPort,
		Hostname:        cfg.Hostname,
		AutoTLS:         cfg.APIAutoTLS,
		AutoTLSCacheDir: cfg.APIAutoTLSCacheDir,
		CronSecret:      cfg.CronSecret,
		Users:           users,
		ExpireBatchSize: cfg.ExpireBatchSize,
	}, web.Services{
		Scheduling: a.scheduling,
		Approval:   a.approval,
		Delivery:   a.worker,
		Expiry:     a.approval,
		Metrics:    m,
	}, lc)

	if cfg.CronSecret == "" {
		l.Warn("OFFERD_CRON_SECRET is not set, the cron endpoints are open")
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	m.Start()
	g.Go(srv.ListenAndServe)
	if cfg.TickInterval > 0 {
		g.Go(func() error {
			return a.worker.Run(ctx, cfg.TickInterval)
		})
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		l.Infof("Got signal: %s, shutting down", sig)
	case <-ctx.Done():
		l.Warn("a service stopped, shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// the api and the tick loop feed the worker, they go first
	if err := srv.Stop(shutdownCtx); err != nil {
		l.WithError(err).Error("Failed to stop webserver")
	}
	err = g.Wait()

	services := []Stoppable{a.worker, m}
	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}
	wg.Wait()

	l.Infof("Shutdown complete")
	return err
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func tick(c *cli.Context) error {
	cfg := config.Get()
	a, err := build(cfg, logger(cfg), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.worker.Tick(c.Context)
	if err != nil {
		return err
	}
	_ = a.worker.Stop(c.Context)
	return printJSON(res)
}

func expire(c *cli.Context) error {
	cfg := config.Get()
	a, err := build(cfg, logger(cfg), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.approval.ExpireDue(c.Context, cfg.ExpireBatchSize)
	if err != nil {
		return err
	}
	return printJSON(offer.ExpireResult{Expired: n, Timestamp: timex.UTCNow()})
}

func migrate(c *cli.Context) error {
	cfg := config.Get()
	db, err := dao.New(cfg.DbDriver, cfg.DbURI, logger(cfg))
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Println("schema is up to date")
	return nil
}

func seed(c *cli.Context) error {
	cfg := config.Get()
	a, err := build(cfg, logger(cfg), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := tools.ValidEmail(c.String("email")); err != nil {
		return err
	}

	now := timex.System.Now()
	send := &dao.OfferSend{
		ID:           zid.NewString(),
		ProjectID:    zid.NewString(),
		ProjectLabel: c.String("project"),
		UserID:       c.String("user"),
		ClientEmail:  c.String("email"),
		Subject:      c.String("subject"),
		Message:      c.String("message"),
		PDFURL:       c.String("pdf-url"),
		Status:       dao.SendStatusPending,
		MaxRetries:   cfg.MaxRetries,
		CreatedAt:    timex.StampOf(now),
		UpdatedAt:    timex.StampOf(now),
	}
	if err := a.db.CreateOfferSend(c.Context, send); err != nil {
		return err
	}

	validUntil := now.Add(c.Duration("valid-for"))
	ap, err := a.approval.Create(c.Context, approval.NewApproval{
		OfferSendID: send.ID,
		UserID:      send.UserID,
		ClientName:  c.String("name"),
		ClientEmail: send.ClientEmail,
		ValidUntil:  &validUntil,
		SnapshotRef: send.ID,
	})
	if err != nil {
		return err
	}

	base := cfg.PublicBaseURL
	return printJSON(map[string]string{
		"offer_send_id": send.ID,
		"approval_id":   ap.ID,
		"view_url":      fmt.Sprintf("%s/o/%s", base, ap.PublicToken),
		"accept_url":    fmt.Sprintf("%s/o/%s/accept?token=%s", base, ap.PublicToken, ap.AcceptToken),
	})
}
