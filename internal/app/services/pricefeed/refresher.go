package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/metrics"
	"github.com/jsegovia1984/KipuBankV2/internal/app/system"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

var _ system.Service = (*Refresher)(nil)

// Refresher fetches prices for active feeds on each feed's cron schedule
// and records them as snapshots.
type Refresher struct {
	service *Service
	log     *logger.Logger
	timeout time.Duration
	fetcher Fetcher

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRefresher creates a lifecycle-managed price feed refresher.
func NewRefresher(service *Service, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("pricefeed-runner")
	}
	return &Refresher{
		service: service,
		log:     log,
		timeout: 5 * time.Second,
	}
}

// WithFetcher assigns the fetcher used to retrieve external prices.
func (r *Refresher) WithFetcher(fetcher Fetcher) {
	r.mu.Lock()
	r.fetcher = fetcher
	r.mu.Unlock()
}

func (r *Refresher) Name() string { return "pricefeed-refresher" }

// Start schedules every active feed and performs one immediate refresh.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	feeds, err := r.service.ListFeeds(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(r.log))))
	scheduled := 0
	for _, feed := range feeds {
		if !feed.Active {
			continue
		}
		feed := feed
		if _, err := c.AddFunc(feed.Schedule, func() { r.refresh(runCtx, feed) }); err != nil {
			r.log.WithError(err).
				WithField("feed_id", feed.ID).
				WithField("schedule", feed.Schedule).
				Warn("invalid price feed schedule; feed not scheduled")
			continue
		}
		scheduled++
	}

	r.cron = c
	r.cancel = cancel
	r.running = true
	c.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Refresh(runCtx)
	}()

	r.log.WithField("feeds", scheduled).Info("price feed refresher started")
	return nil
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	cancel := r.cancel
	r.running = false
	r.cron = nil
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-cronDone.Done()
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("price feed refresher stopped")
	return nil
}

// Refresh fetches every active feed once and returns how many snapshots
// were recorded.
func (r *Refresher) Refresh(ctx context.Context) int {
	feeds, err := r.service.ListFeeds(ctx)
	if err != nil {
		r.log.WithError(err).Warn("price feed refresher tick failed")
		return 0
	}
	recorded := 0
	for _, feed := range feeds {
		if feed.Active && r.refresh(ctx, feed) {
			recorded++
		}
	}
	return recorded
}

func (r *Refresher) refresh(ctx context.Context, feed pricefeed.Feed) bool {
	r.mu.Lock()
	fetcher := r.fetcher
	r.mu.Unlock()
	if fetcher == nil || ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	price, source, err := fetcher.Fetch(ctx, feed)
	if err != nil {
		r.log.WithError(err).
			WithField("feed_id", feed.ID).
			Warn("price fetch failed")
		metrics.RecordPriceRefresh(feed.Pair, false)
		return false
	}
	if _, err := r.service.RecordSnapshot(ctx, feed.ID, price, source, time.Now()); err != nil {
		r.log.WithError(err).
			WithField("feed_id", feed.ID).
			Warn("record price snapshot failed")
		metrics.RecordPriceRefresh(feed.Pair, false)
		return false
	}
	metrics.RecordPriceRefresh(feed.Pair, true)
	return true
}
