package housekeeping

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/marmos91/dittobackup/pkg/store"
)

// MessageKind identifies a message sent to the housekeeping worker.
type MessageKind int

const (
	// MessageReclaimSpace asks for a pass over the account soon.
	MessageReclaimSpace MessageKind = iota + 1

	// MessageReleaseAccount asks the worker to give up the account lock
	// because a session wants to write.
	MessageReleaseAccount
)

func (k MessageKind) String() string {
	switch k {
	case MessageReclaimSpace:
		return "reclaim"
	case MessageReleaseAccount:
		return "release"
	default:
		return "unknown"
	}
}

// Message is a fire-and-forget request to the housekeeping worker.
type Message struct {
	Kind      MessageKind
	AccountID uint32
}

// Notifier delivers messages to housekeeping. SendMessage never blocks;
// messages that cannot be queued are dropped.
type Notifier interface {
	SendMessage(msg Message)
}

// Config contains configuration for the housekeeping worker.
type Config struct {
	// Enabled controls whether the background worker runs (default: false)
	Enabled bool

	// Interval is how often every account gets a pass (default: 1h)
	Interval time.Duration

	// QueueSize bounds the pending reclaim requests (default: 64)
	QueueSize int

	// RetryDelay is how long a reclaim request for a locked account waits
	// before it is tried again (default: 5s)
	RetryDelay time.Duration

	// DryRun logs what would be removed without removing anything
	DryRun bool

	// Accounts lists the accounts a periodic pass covers
	Accounts func(ctx context.Context) ([]uint32, error)

	// Open returns the FileSystem of an account. It must share the lock
	// provider with the sessions of the process.
	Open func(ctx context.Context, accountID uint32) (*store.FileSystem, error)

	// Metrics receives one record per pass (optional)
	Metrics metrics.HousekeepingMetrics
}

// Worker runs housekeeping passes in the background: periodically over every
// account, and on request for a single account.
//
// Thread Safety: Safe for concurrent use.
type Worker struct {
	config Config
	queue  chan Message
	stopCh chan struct{}
	doneCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	// runMu serialises passes; busy is the account being processed (-1 when
	// idle) and interrupt asks that pass to stop.
	runMu     sync.Mutex
	busy      atomic.Int64
	interrupt atomic.Bool

	statsMu sync.Mutex
	last    map[uint32]*Stats

	// deferred holds accounts whose reclaim request found them locked and
	// waits for a retry.
	deferredMu sync.Mutex
	deferred   map[uint32]bool
}

// NewWorker creates a worker. Call Start to begin background passes.
func NewWorker(config Config) *Worker {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopHousekeepingMetrics()
	}

	w := &Worker{
		config:   config,
		queue:    make(chan Message, config.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		last:     make(map[uint32]*Stats),
		deferred: make(map[uint32]bool),
	}
	w.busy.Store(-1)
	return w
}

// SendMessage implements Notifier.
//
// A release request for the account being processed interrupts that pass at
// the next removal. Reclaim requests are queued, or dropped when the queue
// is full.
func (w *Worker) SendMessage(msg Message) {
	switch msg.Kind {
	case MessageReleaseAccount:
		if w.busy.Load() == int64(msg.AccountID) {
			logger.Debug("Housekeeping: release of account %08x requested", msg.AccountID)
			w.interrupt.Store(true)
		}
	case MessageReclaimSpace:
		select {
		case w.queue <- msg:
		default:
			logger.Warn("Housekeeping: queue full, dropping %s request for account %08x", msg.Kind, msg.AccountID)
		}
	}
}

// Start begins background housekeeping. Subsequent calls are no-ops.
func (w *Worker) Start() {
	if !w.config.Enabled {
		logger.Info("Housekeeping disabled")
		return
	}

	w.startOnce.Do(func() {
		logger.Info("Starting housekeeping: interval=%s queue_size=%d dry_run=%v",
			w.config.Interval, w.config.QueueSize, w.config.DryRun)
		w.started.Store(true)
		go w.loop()
	})
}

// Stop stops the worker and waits for the current pass to finish. The
// current pass is interrupted so it ends at its next removal.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}

	w.stopOnce.Do(func() {
		logger.Info("Stopping housekeeping...")
		w.interrupt.Store(true)
		close(w.stopCh)
	})

	select {
	case <-w.doneCh:
		logger.Info("Housekeeping stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Housekeeping shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs a pass over every account and blocks until it completes.
// Accounts locked by a session are skipped.
func (w *Worker) RunNow(ctx context.Context) ([]*Stats, error) {
	if w.config.Accounts == nil {
		return nil, nil
	}
	accounts, err := w.config.Accounts(ctx)
	if err != nil {
		return nil, err
	}

	var all []*Stats
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		stats, err := w.RunAccount(ctx, acct)
		if err != nil {
			if IsLocked(err) {
				logger.Info("Housekeeping: account %08x is in use, skipping", acct)
				continue
			}
			logger.Error("Housekeeping: account %08x failed: %v", acct, err)
			continue
		}
		all = append(all, stats)
	}
	return all, nil
}

// RunAccount runs one pass over an account.
func (w *Worker) RunAccount(ctx context.Context, accountID uint32) (*Stats, error) {
	fs, err := w.config.Open(ctx, accountID)
	if err != nil {
		return nil, err
	}

	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.interrupt.Store(false)
	w.busy.Store(int64(accountID))
	defer w.busy.Store(-1)

	stats, err := Run(ctx, fs, Options{
		DryRun:      w.config.DryRun,
		Interrupted: w.interrupt.Load,
		Metrics:     w.config.Metrics,
	})
	if err != nil {
		return stats, err
	}

	w.statsMu.Lock()
	w.last[accountID] = stats
	w.statsMu.Unlock()

	logger.Info("Housekeeping completed: %s", stats.Summary())
	return stats, nil
}

// LastStats returns the statistics of the last completed pass over an
// account, or nil.
func (w *Worker) LastStats(accountID uint32) *Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	s, ok := w.last[accountID]
	if !ok {
		return nil
	}
	c := *s
	return &c
}

// loop is the background goroutine.
func (w *Worker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.config.Interval)
			if _, err := w.RunNow(ctx); err != nil {
				logger.Error("Housekeeping failed: %v", err)
			}
			cancel()

		case msg := <-w.queue:
			ctx, cancel := context.WithTimeout(context.Background(), w.config.Interval)
			if _, err := w.RunAccount(ctx, msg.AccountID); err != nil {
				if IsLocked(err) {
					w.retryLater(msg.AccountID)
				} else {
					logger.Error("Housekeeping: account %08x failed: %v", msg.AccountID, err)
				}
			}
			cancel()

		case <-w.stopCh:
			return
		}
	}
}

// retryLater queues a reclaim request for a locked account again after
// RetryDelay. At most one retry per account is outstanding.
func (w *Worker) retryLater(accountID uint32) {
	w.deferredMu.Lock()
	defer w.deferredMu.Unlock()
	if w.deferred[accountID] {
		return
	}
	w.deferred[accountID] = true

	logger.Debug("Housekeeping: account %08x is in use, retrying in %s", accountID, w.config.RetryDelay)
	time.AfterFunc(w.config.RetryDelay, func() {
		w.deferredMu.Lock()
		delete(w.deferred, accountID)
		w.deferredMu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}
		w.SendMessage(Message{Kind: MessageReclaimSpace, AccountID: accountID})
	})
}

// Deferred reports whether a reclaim request for the account is waiting
// for the account lock.
func (w *Worker) Deferred(accountID uint32) bool {
	w.deferredMu.Lock()
	defer w.deferredMu.Unlock()
	return w.deferred[accountID]
}
