package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/zetaloop/simple-vertex-bridge/pkg/logutil"
)

const (
	// ExpiryMargin is how much remaining lifetime a credential must have
	// before the refresher considers it usable.
	ExpiryMargin = 10 * time.Minute

	// BackgroundInterval is the period of the optional background renewal.
	BackgroundInterval = 5 * time.Minute

	retryBackoff = 500 * time.Millisecond
)

var (
	ErrUnavailable  = errors.New("credential unavailable")
	ErrShuttingDown = errors.New("service shutting down")
)

// Source acquires a fresh credential from the provider.
type Source interface {
	Acquire(ctx context.Context) (Credential, error)
}

// Refresher owns the write path to a Store. Concurrent callers that find
// the stored credential missing or stale share a single in-flight
// acquisition; a failed acquisition is retried once after a short backoff
// before surfacing to every waiter.
type Refresher struct {
	store     *Store
	source    Source
	onRefresh func(Credential)
	logger    *log.Logger

	group     singleflight.Group
	margin    time.Duration
	interval  time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewRefresher wires a refresher to store and source. onRefresh, if
// non-nil, is invoked after every successful renewal (the bridge uses it
// to persist the credential into the config file).
func NewRefresher(store *Store, source Source, onRefresh func(Credential)) *Refresher {
	return &Refresher{
		store:     store,
		source:    source,
		onRefresh: onRefresh,
		logger:    logutil.Component("token"),
		margin:    ExpiryMargin,
		interval:  BackgroundInterval,
		done:      make(chan struct{}),
	}
}

// Token returns a usable access token, acquiring one first when the stored
// credential is missing or inside the expiry margin. ctx covers only this
// caller's wait: cancelling it abandons the wait, not the acquisition,
// whose result still lands in the store for everyone else.
func (r *Refresher) Token(ctx context.Context) (string, error) {
	now := time.Now()
	if cred, ok := r.store.Get(); ok && !cred.ExpiringWithin(now, r.margin) {
		return cred.Token, nil
	}
	select {
	case <-r.done:
		return "", ErrShuttingDown
	default:
	}
	ch := r.group.DoChan("credential", r.refresh)
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Credential).Token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", ErrShuttingDown
	}
}

// refresh runs inside the singleflight group.
func (r *Refresher) refresh() (any, error) {
	now := time.Now()
	if cred, ok := r.store.Get(); ok && !cred.ExpiringWithin(now, r.margin) {
		return cred, nil
	}
	cred, err := r.acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	r.store.Set(cred)
	r.logger.Info("token refreshed", "expires", cred.ExpiresAt.Format(time.RFC3339))
	if r.onRefresh != nil {
		r.onRefresh(cred)
	}
	return cred, nil
}

func (r *Refresher) acquire() (Credential, error) {
	ctx := context.Background()
	cred, err := r.source.Acquire(ctx)
	if err == nil {
		return cred, nil
	}
	r.logger.Warn("token acquisition failed, retrying once", "err", err)
	select {
	case <-time.After(retryBackoff):
	case <-r.done:
		return Credential{}, ErrShuttingDown
	}
	return r.source.Acquire(ctx)
}

// Run renews the credential on a fixed interval until ctx is cancelled or
// the refresher is closed. A failed renewal keeps the previous credential;
// request handlers fall back to the lazy path if it actually expires.
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("background refresh started", "interval", r.interval)
	r.renew()
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("background refresh stopped")
			return
		case <-r.done:
			return
		case <-t.C:
			r.renew()
		}
	}
}

func (r *Refresher) renew() {
	if _, err, _ := r.group.Do("credential", r.refresh); err != nil {
		r.logger.Error("background refresh failed", "err", err)
	}
}

// Close releases callers blocked in Token with ErrShuttingDown and stops
// the background task.
func (r *Refresher) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}
