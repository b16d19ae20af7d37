package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modfin/offer/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName  string        `cli:"metrics-service-name"`
	Push         string        `cli:"metrics-push-url"`
	PushInterval time.Duration `cli:"metrics-push-interval"`
	Poll         bool          `cli:"metrics-poll"`
	PollUser     string        `cli:"metrics-poll-basic-auth-user"`
	PollPassword string        `cli:"metrics-poll-basic-auth-pass"`
}

// New creates a Metrics with its own registry, so several instances (eg. in
// tests) never collide on collector names.
func New(c Config, lc *tools.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if c.ServiceName == "" {
		c.ServiceName = "offerd"
	}
	p := &Metrics{
		config:   c,
		logger:   lc.New("prometheus"),
		registry: reg,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if c.Push != "" {
		p.pusher = push.New(c.Push, c.ServiceName).Gatherer(reg)
	}

	return p
}

type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config   Config
	registry *prometheus.Registry
	pusher   *push.Pusher
	logger   *logrus.Logger

	ostart sync.Once
	ostop  sync.Once
}

// Start pushes metrics periodically if a push url is configured.
func (p *Metrics) Start() {
	p.ostart.Do(func() {
		if p.config.PushInterval < 10*time.Second {
			p.config.PushInterval = 1 * time.Minute
		}
		if p.pusher == nil {
			close(p.stopped)
			return
		}
		go func() {
			defer close(p.stopped)

			ticker := time.NewTicker(p.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					p.push()
					return
				case <-ticker.C:
					p.push()
				}
			}
		}()
	})
}

func (p *Metrics) Stop(ctx context.Context) error {
	p.Start() // makes sure stopped is closed eventually
	p.ostop.Do(func() {
		close(p.done)
	})
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Metrics) Register() promauto.Factory {
	return promauto.With(p.registry)
}

func (p *Metrics) Gatherer() prometheus.Gatherer {
	return p.registry
}

func (p *Metrics) HttpMetrics() http.HandlerFunc {

	if !p.config.Poll {
		p.logger.Infof("metrics polling is disabled")
		return func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, "Not Found", http.StatusNotFound)
		}
	}
	p.logger.Infof("metrics polling is enabled")

	if p.config.PollUser != "" || p.config.PollPassword != "" {
		p.logger.WithField("user", p.config.PollUser).Infof("basic auth enabled for metrics polling endpoint")
	}

	handler := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return func(writer http.ResponseWriter, request *http.Request) {
		if p.config.PollUser != "" || p.config.PollPassword != "" {
			user, pass, ok := request.BasicAuth()
			if !ok || user != p.config.PollUser || subtle.ConstantTimeCompare([]byte(pass), []byte(p.config.PollPassword)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		handler.ServeHTTP(writer, request)
	}
}

func (p *Metrics) push() {
	if p.pusher == nil {
		return
	}
	p.logger.Debugf("pushing metrics to %s", p.config.Push)
	err := p.pusher.Push()
	if err != nil {
		p.logger.Errorf("failed to push metrics: %v", err)
	}
}

func (p *Metrics) Middleware() func(http.Handler) http.Handler {
	requests := p.Register().NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests",
		Help: "Number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	requestsTotal := p.Register().NewCounter(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	})
	requestDuration := p.Register().NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "path", "status_code"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			// route patterns, not raw paths, since paths carry tokens
			path := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			statusCode := strconv.Itoa(wrapped.statusCode)
			requestsTotal.Inc()
			requests.WithLabelValues(r.Method, path, statusCode).Inc()

			if wrapped.statusCode != http.StatusNotFound {
				requestDuration.WithLabelValues(r.Method, path, statusCode).Observe(time.Since(startTime).Seconds())
			}
		})
	}
}

// responseWriterWrapper wraps the http.ResponseWriter to capture the status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
