package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/modfin/offer/internal/dao"
	"github.com/modfin/offer/internal/lock"
	"github.com/modfin/offer/internal/signals"
	"github.com/modfin/offer/internal/timex"
	"github.com/modfin/offer/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Tick once Stop has been called.
var ErrStopped = errors.New("delivery worker is stopped")

type outcome string

const (
	outcomeDelivered outcome = "delivered"
	outcomeRetry     outcome = "retry"
	outcomeFailed    outcome = "failed"
	outcomeSkipped   outcome = "skipped"
)

type Worker struct {
	cfg       Config
	db        dao.DAO
	locker    lock.Locker
	deliverer Deliverer
	clock     timex.Clock
	log       *logrus.Logger

	pool    *pond.WorkerPool
	ostop   sync.Once
	mu      sync.RWMutex // held for reading by ticks, for writing by Stop
	stopped bool

	attempts *prometheus.CounterVec
	ticks    prometheus.Histogram
}

type Option func(w *Worker)

func WithClock(clock timex.Clock) Option {
	return func(w *Worker) {
		w.clock = clock
	}
}

// WithMetrics registers the worker's collectors with factory.
func WithMetrics(factory promauto.Factory) Option {
	return func(w *Worker) {
		w.registerMetrics(factory)
	}
}

func New(cfg Config, db dao.DAO, locker lock.Locker, deliverer Deliverer, lc *tools.Logger, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:       cfg,
		db:        db,
		locker:    locker,
		deliverer: deliverer,
		clock:     timex.System,
		log:       lc.New("delivery"),
		pool:      pond.New(cfg.Concurrency, cfg.BatchSize),
	}
	w.registerMetrics(promauto.With(nil))
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) registerMetrics(factory promauto.Factory) {
	w.attempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_delivery_total",
		Help: "Delivery attempts by outcome.",
	}, []string{"outcome"})
	w.ticks = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "offer_delivery_tick_duration_seconds",
		Help:    "Duration of delivery ticks.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
}

// Tick runs one delivery pass. It only returns an error if the worker is
// stopped or the due records could not be queried; per record failures end
// up in the Result.
func (w *Worker) Tick(ctx context.Context) (Result, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	start := time.Now()
	now := w.clock.Now()
	res := Result{Timestamp: timex.Format(now)}
	if w.stopped || w.pool.Stopped() {
		return res, ErrStopped
	}

	w.locker.CleanupExpired(ctx)

	due, err := w.db.GetDueOfferSends(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("could not get due offer sends: %w", err)
	}

	var mu sync.Mutex
	group := w.pool.Group()
	for _, send := range due {
		id := send.ID
		group.Submit(func() {
			o := w.process(ctx, id)
			w.attempts.WithLabelValues(string(o)).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeDelivered:
				res.Processed++
			case outcomeRetry, outcomeFailed:
				res.Failed++
			default:
				res.Skipped++
			}
		})
	}
	group.Wait()

	w.ticks.Observe(time.Since(start).Seconds())
	if len(due) > 0 {
		w.log.WithFields(logrus.Fields{
			"due":       len(due),
			"processed": res.Processed,
			"failed":    res.Failed,
			"skipped":   res.Skipped,
		}).Info("delivery tick done")
	}
	return res, nil
}

func lockKey(id string) string {
	return "offer_send:" + id
}

func (w *Worker) process(ctx context.Context, id string) outcome {
	log := w.log.WithField("offer_send_id", id)

	key := lockKey(id)
	token, ok := w.locker.TryAcquire(ctx, key, w.cfg.LockTTL)
	if !ok {
		log.Debug("offer send is locked, skipping")
		return outcomeSkipped
	}
	defer w.locker.Release(ctx, key, token)

	// the batch query ran before we held the lock, someone may have beaten us
	send, err := w.db.GetOfferSend(ctx, id)
	if err != nil {
		log.WithError(err).Error("could not re-read offer send")
		return outcomeSkipped
	}
	if send.Status != dao.SendStatusScheduled || send.ScheduledFor == nil || !timex.IsDue(send.ScheduledFor.Time, w.clock.Now()) {
		log.WithField("status", send.Status).Debug("offer send is no longer due, skipping")
		return outcomeSkipped
	}

	deliveryErr := w.deliver(ctx, send)
	now := w.clock.Now()

	if deliveryErr == nil {
		err = w.db.MarkOfferSendSent(ctx, id, now)
		if errors.Is(err, dao.ErrNoTransition) {
			log.Warn("offer send was delivered but changed status while delivering")
		}
		if err != nil && !errors.Is(err, dao.ErrNoTransition) {
			log.WithError(err).Error("offer send was delivered but could not be marked as sent")
			return outcomeSkipped
		}
		log.Info("offer send delivered")
		return outcomeDelivered
	}

	retryCount := send.RetryCount + 1
	log = log.WithError(deliveryErr).WithField("retry_count", retryCount)

	if retryCount >= send.MaxRetries {
		err = w.db.MarkOfferSendFailed(ctx, id, retryCount, deliveryErr.Error(), now)
		if err != nil {
			log.WithField("store_error", err.Error()).Error("could not mark offer send as failed")
			return outcomeSkipped
		}
		log.Warn("offer send failed permanently")
		return outcomeFailed
	}

	next := now.Add(timex.ExponentialBackoff(retryCount, w.cfg.BackoffBase, w.cfg.BackoffMax))
	err = w.db.MarkOfferSendRetry(ctx, id, retryCount, next, deliveryErr.Error(), now)
	if err != nil {
		log.WithField("store_error", err.Error()).Error("could not reschedule offer send")
		return outcomeSkipped
	}
	log.WithField("next_attempt", timex.Format(next)).Warn("offer send delivery failed, retrying")
	return outcomeRetry
}

func (w *Worker) deliver(ctx context.Context, send *dao.OfferSend) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	defer cancel()

	return w.deliverer.Deliver(ctx, Request{
		OfferSendID:    send.ID,
		Recipient:      send.ClientEmail,
		Subject:        send.Subject,
		Message:        send.Message,
		ProjectLabel:   send.ProjectLabel,
		PDFURL:         send.PDFURL,
		TrackingStatus: TrackingStatus,
		TrackingID:     uuid.NewString(),
	})
}

// Run ticks every interval, and whenever an offer is scheduled, until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	wake, cancel := signals.Listen(signals.OfferScheduled)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.WithField("interval", interval.String()).Info("starting delivery loop")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("delivery loop stopped")
			return nil
		case <-ticker.C:
		case <-wake:
		}
		_, err := w.Tick(ctx)
		if errors.Is(err, ErrStopped) {
			w.log.Info("delivery loop stopped with the worker")
			return nil
		}
		if err != nil && ctx.Err() == nil {
			w.log.WithError(err).Error("delivery tick failed")
		}
	}
}

// Stop waits for running ticks to finish and refuses new ones.
func (w *Worker) Stop(ctx context.Context) error {
	var err error
	w.ostop.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()
			<-w.pool.Stop().Done()
		}()
		select {
		case <-done:
			w.log.Info("delivery worker has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
