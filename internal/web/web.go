package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modfin/henry/compare"
	"github.com/modfin/offer/internal/approval"
	"github.com/modfin/offer/internal/delivery"
	"github.com/modfin/offer/internal/metrics"
	"github.com/modfin/offer/internal/scheduling"
	"github.com/modfin/offer/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

type Config struct {
	Interface string
	Port      int

	Hostname        string
	AutoTLS         bool
	AutoTLSCacheDir string

	CronSecret string
	// Users maps api key to user id
	Users map[string]string

	ExpireBatchSize int
}

type Ticker interface {
	Tick(ctx context.Context) (delivery.Result, error)
}

type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

type Services struct {
	Scheduling *scheduling.Service
	Approval   *approval.Service
	Delivery   Ticker
	Expiry     Expirer
	Metrics    *metrics.Metrics
}

func New(cfg Config, svc Services, lc *tools.Logger) *Server {
	s := &Server{
		config: cfg,
		svc:    svc,
		log:    lc.New("web"),
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Interface, compare.Coalesce(cfg.Port, 8080)),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

type Server struct {
	config Config
	svc    Services
	log    *logrus.Logger
	srv    *http.Server
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	mux.Use(middleware.Heartbeat("/ping"))
	if s.svc.Metrics != nil {
		mux.Use(s.svc.Metrics.Middleware())
		mux.Get("/metrics", s.svc.Metrics.HttpMetrics())
	}

	mux.Route("/cron", func(r chi.Router) {
		r.Use(s.cronAuth)
		r.Post("/deliver", deliver(s))
		r.Post("/expire", expire(s))
	})

	mux.Route("/api", func(r chi.Router) {
		r.Use(s.apiAuth)
		r.Post("/offer-sends/schedule", schedule(s))
		r.Post("/offer-sends/{id}/cancel", cancelSend(s))
		r.Post("/approvals/{id}/withdraw", withdraw(s))
	})

	mux.Route("/o/{publicToken}", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Get("/", view(s))
		r.Post("/approve", approve(s))
		r.Get("/accept", acceptOneClick(s))
		r.Post("/reject", reject(s))
		r.Post("/cancel", cancelAccept(s))
	})

	return mux
}

// ListenAndServe blocks until the server is stopped.
func (s *Server) ListenAndServe() error {
	var err error
	if s.config.AutoTLS {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.config.Hostname),
			Cache:      autocert.DirCache(compare.Coalesce(s.config.AutoTLSCacheDir, "./certs")),
		}
		s.srv.TLSConfig = m.TLSConfig()
		s.log.WithField("addr", s.srv.Addr).WithField("host", s.config.Hostname).Info("starting webserver with auto tls")
		err = s.srv.ListenAndServeTLS("", "")
	} else {
		s.log.WithField("addr", s.srv.Addr).Info("starting webserver")
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
