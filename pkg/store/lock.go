package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marmos91/dittobackup/internal/logger"
)

// ErrLocked indicates that another owner holds the account lock.
var ErrLocked = errors.New("account is locked by another session")

// Locker provides the advisory, exclusive per-account write lock.
//
// Owners are opaque tokens; Unlock only releases a lock held by the same
// owner and is idempotent.
type Locker interface {
	TryLock(ctx context.Context, accountID uint32, owner string) error
	Unlock(ctx context.Context, accountID uint32, owner string) error
}

// ============================================================================
// MemoryLocker
// ============================================================================

// MemoryLocker is a process-local Locker. Share one instance between all
// sessions of a process.
type MemoryLocker struct {
	mu     sync.Mutex
	owners map[uint32]string
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{owners: make(map[uint32]string)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, accountID uint32, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if current, held := l.owners[accountID]; held {
		if current == owner {
			return nil
		}
		return fmt.Errorf("account %08x: %w", accountID, ErrLocked)
	}
	l.owners[accountID] = owner
	return nil
}

func (l *MemoryLocker) Unlock(_ context.Context, accountID uint32, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owners[accountID] == owner {
		delete(l.owners, accountID)
	}
	return nil
}

// ============================================================================
// FileLocker
// ============================================================================

// FileLocker implements Locker with lock files created with O_EXCL, which
// works across processes sharing a directory:
//
//	<dir>/<account 8 hex>.lock   contains the owner token
type FileLocker struct {
	dir string
}

// NewFileLocker creates dir if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

func (l *FileLocker) path(accountID uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf("%08x.lock", accountID))
}

func (l *FileLocker) TryLock(ctx context.Context, accountID uint32, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := l.path(accountID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			if current, rerr := os.ReadFile(path); rerr == nil && string(current) == owner {
				return nil
			}
			return fmt.Errorf("account %08x: %w", accountID, ErrLocked)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	_, werr := f.WriteString(owner)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Unlock removes the lock file if it still names owner. A lock file taken
// over by someone else is left alone.
func (l *FileLocker) Unlock(_ context.Context, accountID uint32, owner string) error {
	path := l.path(accountID)
	current, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if !bytes.Equal(current, []byte(owner)) {
		logger.Warn("Lock of account %08x is held by another owner, not releasing", accountID)
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
