// Package session implements the store context of one client session.
//
// A Context mediates a single client's view of its account: it enforces the
// protocol phases (Version, Login, Commands), holds the account write lock
// for writing sessions, caches directories, defers StoreInfo saves and
// carries out every command a client can issue.
//
// A Context is driven by one sequential command stream and is not safe for
// concurrent use. Sessions of the same account are serialised by the
// account write lock; read-only sessions never take it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/housekeeping"
	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/marmos91/dittobackup/pkg/store"
)

// ProtocolVersion is the only protocol version the context accepts.
const ProtocolVersion int32 = 1

// Phase is the protocol phase of a session. Phases only move forward.
type Phase int

const (
	PhaseVersion Phase = iota
	PhaseLogin
	PhaseCommands
)

func (p Phase) String() string {
	switch p {
	case PhaseVersion:
		return "Version"
	case PhaseLogin:
		return "Login"
	case PhaseCommands:
		return "Commands"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config configures a session Context.
type Config struct {
	// FileSystem is the account the session works on (required)
	FileSystem *store.FileSystem

	// StoreInfoSaveDelay is how many deferred StoreInfo saves are coalesced
	// into one write (default: DefaultStoreInfoSaveDelay)
	StoreInfoSaveDelay int

	// DirectoryCacheSize bounds the number of cached directories; the cache
	// is flushed when a miss would exceed it (default:
	// DefaultDirectoryCacheSize)
	DirectoryCacheSize int

	// LockRetries is how many more times AttemptToGetWriteLock tries after
	// asking housekeeping to release the account (default: 8, negative
	// for none)
	LockRetries int

	// LockRetryDelay is the wait between lock attempts (default: 250ms)
	LockRetryDelay time.Duration

	// Housekeeping receives release and reclaim requests (optional)
	Housekeeping housekeeping.Notifier

	// Metrics records command and cache activity (optional)
	Metrics metrics.SessionMetrics

	// ConnectionDetails describes the client in log messages (optional)
	ConnectionDetails string
}

// Context is the store context of one session.
type Context struct {
	fs        *store.FileSystem
	config    Config
	notifier  housekeeping.Notifier
	metrics   metrics.SessionMetrics
	id        string
	phase     Phase
	readOnly  bool
	finished  bool
	info      *backup.StoreInfo
	saveDelay *SaveDelay
	cache     *directoryCache

	// reclaimRequested is set once housekeeping was asked for space while
	// this session held the lock; the request is repeated on release.
	reclaimRequested bool
}

// New creates a session context in the Version phase.
func New(config Config) (*Context, error) {
	if config.FileSystem == nil {
		return nil, errors.New("session requires a filesystem")
	}
	if config.StoreInfoSaveDelay <= 0 {
		config.StoreInfoSaveDelay = DefaultStoreInfoSaveDelay
	}
	if config.DirectoryCacheSize <= 0 {
		config.DirectoryCacheSize = DefaultDirectoryCacheSize
	}
	if config.LockRetries < 0 {
		config.LockRetries = 0
	} else if config.LockRetries == 0 {
		config.LockRetries = 8
	}
	if config.LockRetryDelay <= 0 {
		config.LockRetryDelay = 250 * time.Millisecond
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopSessionMetrics()
	}
	if config.ConnectionDetails == "" {
		config.ConnectionDetails = "local"
	}

	return &Context{
		fs:        config.FileSystem,
		config:    config,
		notifier:  config.Housekeeping,
		metrics:   config.Metrics,
		id:        uuid.NewString(),
		phase:     PhaseVersion,
		readOnly:  true,
		saveDelay: NewSaveDelay(config.StoreInfoSaveDelay),
		cache:     newDirectoryCache(config.DirectoryCacheSize),
	}, nil
}

// ID returns the session identifier used in log messages.
func (c *Context) ID() string { return c.id }

// AccountID returns the account of the session.
func (c *Context) AccountID() uint32 { return c.fs.AccountID() }

// BlockSize returns the accounting block size of the account.
func (c *Context) BlockSize() int64 { return c.fs.BlockSize() }

// Phase returns the current protocol phase.
func (c *Context) Phase() Phase { return c.phase }

// ReadOnly reports whether the session lacks the write lock.
func (c *Context) ReadOnly() bool { return c.readOnly }

// SetPhase moves the session to a later phase.
func (c *Context) SetPhase(p Phase) error {
	if p <= c.phase || p > PhaseCommands {
		return backup.WrapError(backup.KindProtocolViolation, "SetPhase", 0,
			fmt.Errorf("%w: %s after %s", backup.ErrWrongPhase, p, c.phase))
	}
	c.phase = p
	return nil
}

func (c *Context) requirePhase(op string, p Phase) error {
	if c.phase != p {
		return backup.WrapError(backup.KindProtocolViolation, op, 0,
			fmt.Errorf("%w: need %s, session is in %s", backup.ErrWrongPhase, p, c.phase))
	}
	return nil
}

// requireRead checks that store content may be read.
func (c *Context) requireRead(op string) error {
	return c.requirePhase(op, PhaseCommands)
}

// requireWrite checks that store content may be changed.
func (c *Context) requireWrite(op string) error {
	if err := c.requirePhase(op, PhaseCommands); err != nil {
		return err
	}
	if c.readOnly {
		return backup.WrapError(backup.KindProtocolViolation, op, 0, backup.ErrReadOnly)
	}
	return nil
}

// ============================================================================
// Handshake
// ============================================================================

// Version checks the client's protocol version and moves to Login.
func (c *Context) Version(version int32) error {
	if err := c.requirePhase("Version", PhaseVersion); err != nil {
		return err
	}
	if version != ProtocolVersion {
		return backup.NewError(backup.KindProtocolViolation, "Version", 0,
			"client protocol version %d, server speaks %d", version, ProtocolVersion)
	}
	return c.SetPhase(PhaseLogin)
}

// Login opens the account for the session and moves to Commands. A writing
// login takes the account write lock and fails if another session holds it.
func (c *Context) Login(ctx context.Context, accountID uint32, readOnly bool) error {
	if err := c.requirePhase("Login", PhaseLogin); err != nil {
		return err
	}
	if accountID != c.fs.AccountID() {
		return backup.NewError(backup.KindProtocolViolation, "Login", 0,
			"login to account %08x on a session for account %08x", accountID, c.fs.AccountID())
	}

	if !readOnly {
		ok, err := c.AttemptToGetWriteLock(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return backup.WrapError(backup.KindFatalIO, "Login", 0, store.ErrLocked)
		}
	}

	// Loaded under the lock so a writer sees the last writer's counters.
	if err := c.LoadStoreInfo(ctx); err != nil {
		_ = c.ReleaseWriteLock(ctx)
		return err
	}

	logger.Info("Session %s: login to account %08x (%s) from %s, read-only=%v",
		c.id, accountID, c.info.AccountName, c.config.ConnectionDetails, c.readOnly)
	return c.SetPhase(PhaseCommands)
}

// ============================================================================
// Write lock
// ============================================================================

// AttemptToGetWriteLock tries to take the account write lock. If the lock
// is busy it asks housekeeping to release the account and retries a few
// times. It returns false, without error, if the lock stays busy.
func (c *Context) AttemptToGetWriteLock(ctx context.Context) (bool, error) {
	if !c.readOnly {
		return true, nil
	}

	for attempt := 0; ; attempt++ {
		err := c.fs.TryLock(ctx)
		if err == nil {
			c.readOnly = false
			logger.Debug("Session %s: holds write lock on account %08x", c.id, c.fs.AccountID())
			return true, nil
		}
		if !errors.Is(err, store.ErrLocked) {
			return false, err
		}
		if attempt >= c.config.LockRetries {
			logger.Info("Session %s: account %08x is locked by another session", c.id, c.fs.AccountID())
			return false, nil
		}
		if attempt == 0 {
			c.notify(housekeeping.MessageReleaseAccount)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.config.LockRetryDelay):
		}
	}
}

// ReleaseWriteLock writes back dirty directories and deferred StoreInfo
// changes, then releases the account lock. The filesystem lock release
// happens unconditionally, also for read-only sessions.
func (c *Context) ReleaseWriteLock(ctx context.Context) error {
	var errs []error
	if !c.readOnly {
		if err := c.writeDirtyDirectories(ctx); err != nil {
			errs = append(errs, err)
		}
		if c.info != nil && c.saveDelay.Pending() {
			if err := c.SaveStoreInfo(ctx, false); err != nil {
				errs = append(errs, err)
			}
		}
		c.cache.clear()
		c.metrics.SetCachedDirectories(0)
	}
	c.readOnly = true

	if err := c.fs.ReleaseLock(ctx); err != nil {
		errs = append(errs, err)
	} else if c.reclaimRequested {
		// The pass asked for while writing found the account locked.
		c.notify(housekeeping.MessageReclaimSpace)
	}
	c.reclaimRequested = false
	return errors.Join(errs...)
}

// CleanUp ends the session: it flushes the cache, saves StoreInfo and
// releases every lock. It is safe to call more than once.
func (c *Context) CleanUp(ctx context.Context) error {
	err := c.ReleaseWriteLock(ctx)
	c.cache.clear()
	if err != nil {
		logger.Error("Session %s: cleanup of account %08x: %v", c.id, c.fs.AccountID(), err)
	}
	return err
}

// notify sends a message to housekeeping if one is attached.
func (c *Context) notify(kind housekeeping.MessageKind) {
	if c.notifier == nil {
		return
	}
	c.notifier.SendMessage(housekeeping.Message{Kind: kind, AccountID: c.fs.AccountID()})
}

// ============================================================================
// StoreInfo
// ============================================================================

// LoadStoreInfo loads the account's StoreInfo, discarding deferred changes.
func (c *Context) LoadStoreInfo(ctx context.Context) error {
	info, err := c.fs.LoadInfo(ctx)
	if err != nil {
		return err
	}
	if info.AccountID != c.fs.AccountID() {
		return backup.NewError(backup.KindReferentialInconsistency, "LoadStoreInfo", 0,
			"store info belongs to account %08x", info.AccountID)
	}
	c.info = info
	c.saveDelay.ForceSave()
	return nil
}

// SaveStoreInfo saves StoreInfo. With allowDelay the save only happens when
// the delay counter runs out; without it the save is immediate.
func (c *Context) SaveStoreInfo(ctx context.Context, allowDelay bool) error {
	if err := c.requireInfo("SaveStoreInfo"); err != nil {
		return err
	}
	if c.readOnly {
		return backup.WrapError(backup.KindProtocolViolation, "SaveStoreInfo", 0, backup.ErrReadOnly)
	}
	if allowDelay && !c.saveDelay.Tick() {
		return nil
	}
	if err := c.fs.SaveInfo(ctx, c.info); err != nil {
		return err
	}
	c.saveDelay.ForceSave()
	return nil
}

func (c *Context) requireInfo(op string) error {
	if c.info == nil {
		return backup.NewError(backup.KindProtocolViolation, op, 0, "store info not loaded")
	}
	return nil
}

// storeInfoChanged records a usage change, asking housekeeping for a pass
// when the account goes over its soft limit.
func (c *Context) storeInfoChanged(ctx context.Context) error {
	if c.info.OverSoftLimit() && !c.reclaimRequested {
		c.reclaimRequested = true
		c.notify(housekeeping.MessageReclaimSpace)
	}
	return c.SaveStoreInfo(ctx, true)
}

// allocateObjectID reserves a new object ID.
func (c *Context) allocateObjectID() int64 {
	return c.info.AllocateObjectID()
}

// GetClientStoreMarker returns the marker the client last set.
func (c *Context) GetClientStoreMarker() (int64, error) {
	if err := c.requireInfo("GetClientStoreMarker"); err != nil {
		return 0, err
	}
	return c.info.ClientStoreMarker, nil
}

// SetClientStoreMarker records the client's marker and saves StoreInfo
// immediately.
func (c *Context) SetClientStoreMarker(ctx context.Context, marker int64) error {
	if err := c.requireWrite("SetClientStoreMarker"); err != nil {
		return err
	}
	c.info.ClientStoreMarker = marker
	return c.SaveStoreInfo(ctx, false)
}

// DiscUsage is the block usage of an account.
type DiscUsage struct {
	BlocksUsed      int64
	BlocksSoftLimit int64
	BlocksHardLimit int64
}

// GetStoreDiscUsageInfo returns the block usage and limits of the account.
func (c *Context) GetStoreDiscUsageInfo() (DiscUsage, error) {
	if err := c.requireInfo("GetStoreDiscUsageInfo"); err != nil {
		return DiscUsage{}, err
	}
	return DiscUsage{
		BlocksUsed:      c.info.BlocksUsed,
		BlocksSoftLimit: c.info.BlocksSoftLimit,
		BlocksHardLimit: c.info.BlocksHardLimit,
	}, nil
}

// StoreInfo returns a copy of the session's StoreInfo.
func (c *Context) StoreInfo() (*backup.StoreInfo, error) {
	if err := c.requireInfo("StoreInfo"); err != nil {
		return nil, err
	}
	return c.info.Clone(), nil
}

// HardLimitExceeded reports whether the account is over its hard limit.
func (c *Context) HardLimitExceeded() bool {
	return c.info != nil && c.info.BlocksHardLimit > 0 && c.info.BlocksUsed > c.info.BlocksHardLimit
}

// checkCapacity rejects an addition of blocks that would take the account
// over its hard limit.
func (c *Context) checkCapacity(op string, blocks int64) error {
	if c.HardLimitExceeded() {
		return backup.NewError(backup.KindCapacityExceeded, op, 0,
			"account is over its hard limit of %d blocks", c.info.BlocksHardLimit)
	}
	if c.info.WouldExceedHardLimit(blocks) {
		return backup.NewError(backup.KindCapacityExceeded, op, 0,
			"%d more blocks would exceed the hard limit of %d blocks (%d used)",
			blocks, c.info.BlocksHardLimit, c.info.BlocksUsed)
	}
	return nil
}

// refError turns a reference count database failure into a StoreError.
func refError(op string, id int64, err error) error {
	if backup.KindOf(err) != 0 {
		return err
	}
	return backup.WrapError(backup.KindFatalIO, op, id, err)
}
