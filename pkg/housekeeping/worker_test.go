package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittobackup/pkg/store"
	accountmemory "github.com/marmos91/dittobackup/pkg/store/account/memory"
	objectmemory "github.com/marmos91/dittobackup/pkg/store/object/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	objects  *objectmemory.Store
	accounts *accountmemory.Database
	locker   *store.MemoryLocker
	opened   atomic.Int32
}

func newWorkerFixture(t *testing.T, accounts ...uint32) *workerFixture {
	t.Helper()
	ctx := context.Background()
	objects, err := objectmemory.New(ctx)
	require.NoError(t, err)
	f := &workerFixture{objects: objects, accounts: accountmemory.New(), locker: store.NewMemoryLocker()}
	for _, acct := range accounts {
		fs, err := f.open(ctx, acct)
		require.NoError(t, err)
		_, err = store.CreateAccount(ctx, fs, "worker", 100, 200)
		require.NoError(t, err)
	}
	return f
}

func (f *workerFixture) open(_ context.Context, accountID uint32) (*store.FileSystem, error) {
	f.opened.Add(1)
	return store.New(store.Config{
		AccountID: accountID,
		Objects:   f.objects,
		Accounts:  f.accounts,
		Locker:    f.locker,
	})
}

func (f *workerFixture) config() Config {
	return Config{
		Interval: time.Hour,
		Accounts: f.accounts.ListAccounts,
		Open:     f.open,
	}
}

func TestWorkerRunNow(t *testing.T) {
	f := newWorkerFixture(t, 1, 2)
	w := NewWorker(f.config())

	stats, err := w.RunNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, stats, 2)
	assert.NotNil(t, w.LastStats(1))
	assert.NotNil(t, w.LastStats(2))
	assert.Nil(t, w.LastStats(3))
}

func TestWorkerSkipsLockedAccounts(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 1, 2)
	holder, err := f.open(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, holder.TryLock(ctx))
	defer func() { _ = holder.ReleaseLock(ctx) }()

	w := NewWorker(f.config())
	stats, err := w.RunNow(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint32(1), stats[0].AccountID)
	assert.Nil(t, w.LastStats(2))

	_, err = w.RunAccount(ctx, 2)
	assert.True(t, IsLocked(err))
}

func TestWorkerSendMessage(t *testing.T) {
	t.Run("ReleaseInterruptsBusyAccount", func(t *testing.T) {
		w := NewWorker(Config{})
		w.SendMessage(Message{Kind: MessageReleaseAccount, AccountID: 7})
		assert.False(t, w.interrupt.Load())

		w.busy.Store(7)
		w.SendMessage(Message{Kind: MessageReleaseAccount, AccountID: 8})
		assert.False(t, w.interrupt.Load())
		w.SendMessage(Message{Kind: MessageReleaseAccount, AccountID: 7})
		assert.True(t, w.interrupt.Load())
	})

	t.Run("ReclaimDroppedWhenQueueFull", func(t *testing.T) {
		w := NewWorker(Config{QueueSize: 1})
		w.SendMessage(Message{Kind: MessageReclaimSpace, AccountID: 1})
		w.SendMessage(Message{Kind: MessageReclaimSpace, AccountID: 2})
		require.Len(t, w.queue, 1)
		assert.Equal(t, uint32(1), (<-w.queue).AccountID)
	})
}

func TestWorkerBackground(t *testing.T) {
	f := newWorkerFixture(t, 5)
	cfg := f.config()
	cfg.Enabled = true
	w := NewWorker(cfg)
	w.Start()
	w.Start()

	w.SendMessage(Message{Kind: MessageReclaimSpace, AccountID: 5})
	require.Eventually(t, func() bool { return w.LastStats(5) != nil }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
}

func TestWorkerRetriesLockedAccount(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, 5)
	holder, err := f.open(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, holder.TryLock(ctx))

	cfg := f.config()
	cfg.Enabled = true
	cfg.RetryDelay = 20 * time.Millisecond
	w := NewWorker(cfg)
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	w.SendMessage(Message{Kind: MessageReclaimSpace, AccountID: 5})
	require.Eventually(t, func() bool { return w.Deferred(5) }, 5*time.Second, 5*time.Millisecond)
	assert.Nil(t, w.LastStats(5))

	require.NoError(t, holder.ReleaseLock(ctx))
	require.Eventually(t, func() bool { return w.LastStats(5) != nil }, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerDisabled(t *testing.T) {
	f := newWorkerFixture(t)
	w := NewWorker(f.config())
	w.Start()
	require.NoError(t, w.Stop(context.Background()))
	assert.Zero(t, f.opened.Load())
}

func TestMessageKindString(t *testing.T) {
	assert.Equal(t, "reclaim", MessageReclaimSpace.String())
	assert.Equal(t, "release", MessageReleaseAccount.String())
	assert.Equal(t, "unknown", MessageKind(0).String())
}
