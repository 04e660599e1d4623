package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

// ActivityLogger records lifecycle events for the dashboard activity feed.
type ActivityLogger interface {
	LogActivity(issueKey, eventType, fromState, toState, detail string) error
}

// Config holds the dependencies for the ticket dispatcher.
type Config struct {
	Store      *store.Store
	Activity   ActivityLogger
	MaxWorkers int
	Logger     *slog.Logger

	// OnFailure is called after a ticket has been terminalized as failed,
	// so the caller can notify the tracker and broadcast the change. Optional.
	OnFailure func(issueKey string, err error)
}

// Dispatcher runs ticket-processing functions on a bounded pool of worker
// goroutines. It caps concurrent in-flight tickets and guarantees at most
// one worker per issue key.
type Dispatcher struct {
	store      *store.Store
	activity   ActivityLogger
	maxWorkers int
	logger     *slog.Logger
	onFailure  func(issueKey string, err error)

	mu     sync.Mutex
	active map[string]context.CancelFunc // issue key → cancel func
	sem    chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher with the given configuration.
func New(cfg Config) *Dispatcher {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      cfg.Store,
		activity:   cfg.Activity,
		maxWorkers: maxWorkers,
		logger:     logger,
		onFailure:  cfg.OnFailure,
		active:     make(map[string]context.CancelFunc),
		sem:        make(chan struct{}, maxWorkers),
	}
}

// Dispatch starts a worker goroutine running fn for the given issue key.
// It returns an error if no worker slot is available or a worker is already
// running for the key; the caller re-offers the ticket on a later cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, issueKey string, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	if _, ok := d.active[issueKey]; ok {
		d.mu.Unlock()
		return fmt.Errorf("ticket %s is already being processed", issueKey)
	}
	d.mu.Unlock()

	// Try to acquire a worker slot (non-blocking).
	select {
	case d.sem <- struct{}{}:
	default:
		return fmt.Errorf("no worker slot available (max %d)", d.maxWorkers)
	}

	workerCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.active[issueKey] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(workerCtx, cancel, issueKey, fn)

	return nil
}

// Wait blocks until all active workers have completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// IsRunning returns true if a worker is active for the given issue key.
func (d *Dispatcher) IsRunning(issueKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[issueKey]
	return ok
}

// ActiveCount returns the number of currently active workers.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, issueKey string, fn func(ctx context.Context) error) {
	defer d.wg.Done()
	defer func() {
		<-d.sem // release worker slot
		d.mu.Lock()
		delete(d.active, issueKey)
		d.mu.Unlock()
		cancel()
	}()

	err := fn(ctx)
	if err == nil {
		return
	}

	// Context cancellation: clean exit on shutdown, don't mark as failed.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d.logger.Info("processing cancelled", "issue", issueKey)
		return
	}

	d.handleFailure(issueKey, err)
}

// handleFailure terminalizes the ticket as failed. A record that already
// reached a terminal state (e.g. the monitor observed a merge while the
// worker was stuck) is left alone.
func (d *Dispatcher) handleFailure(issueKey string, procErr error) {
	rec, ok := d.store.Get(issueKey)
	if !ok {
		d.logger.Info("skipping failure for evicted ticket", "issue", issueKey, "error", procErr)
		return
	}

	if err := d.store.Terminalize(issueKey, store.StateFailed, store.ResultFailure, procErr.Error()); err != nil {
		d.logger.Error("terminalizing failed ticket", "issue", issueKey, "error", err)
		return
	}
	if d.activity != nil {
		if err := d.activity.LogActivity(issueKey, "processing_failed", string(rec.State), string(store.StateFailed), procErr.Error()); err != nil {
			d.logger.Warn("logging processing_failed activity", "issue", issueKey, "error", err)
		}
	}

	d.logger.Warn("ticket failed", "issue", issueKey, "error", procErr)

	if d.onFailure != nil {
		d.onFailure(issueKey, procErr)
	}
}
