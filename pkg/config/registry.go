package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/marmos91/dittobackup/pkg/store"
	"github.com/marmos91/dittobackup/pkg/store/account"
	"github.com/marmos91/dittobackup/pkg/store/object"
)

// Backend holds the shared stores of a process. Every account's FileSystem
// is built on top of it, so all sessions and the housekeeping worker see the
// same objects, reference counts and locks.
type Backend struct {
	Objects   object.Store
	Accounts  account.Database
	Locker    store.Locker
	BlockSize int64
}

// InitializeBackend creates the object store, account database and lock
// provider from the configuration.
//
// objectMetrics may be nil; otherwise the object store is instrumented.
// On error, whatever was already created is closed.
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	backend, err := config.InitializeBackend(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatalf("Failed to initialize backend: %v", err)
//	}
//	defer backend.Close()
func InitializeBackend(ctx context.Context, cfg *Config, objectMetrics metrics.ObjectStoreMetrics) (*Backend, error) {
	objects, err := CreateObjectStore(ctx, &cfg.Objects, objectMetrics)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	accounts, err := CreateAccountDatabase(ctx, &cfg.Accounts)
	if err != nil {
		_ = objects.Close()
		return nil, fmt.Errorf("account database: %w", err)
	}

	locker, err := CreateLocker(&cfg.Lock)
	if err != nil {
		_ = objects.Close()
		_ = accounts.Close()
		return nil, fmt.Errorf("lock: %w", err)
	}

	logger.Debug("Backend initialized: objects=%s, accounts=%s, lock=%s, block_size=%d",
		cfg.Objects.Type, cfg.Accounts.Type, cfg.Lock.Type, cfg.Session.BlockSize)

	return &Backend{
		Objects:   objects,
		Accounts:  accounts,
		Locker:    locker,
		BlockSize: cfg.Session.BlockSize,
	}, nil
}

// FileSystem returns the store adapter of one account.
func (b *Backend) FileSystem(accountID uint32) (*store.FileSystem, error) {
	return store.New(store.Config{
		AccountID: accountID,
		Objects:   b.Objects,
		Accounts:  b.Accounts,
		BlockSize: b.BlockSize,
		Locker:    b.Locker,
	})
}

// OpenFileSystem has the signature the housekeeping worker expects.
func (b *Backend) OpenFileSystem(_ context.Context, accountID uint32) (*store.FileSystem, error) {
	return b.FileSystem(accountID)
}

// Close releases the account database and the object store.
func (b *Backend) Close() error {
	return errors.Join(b.Accounts.Close(), b.Objects.Close())
}
