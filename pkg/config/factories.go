package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/marmos91/dittobackup/pkg/store"
	"github.com/marmos91/dittobackup/pkg/store/account"
	accountBadger "github.com/marmos91/dittobackup/pkg/store/account/badger"
	accountMemory "github.com/marmos91/dittobackup/pkg/store/account/memory"
	"github.com/marmos91/dittobackup/pkg/store/object"
	objectFs "github.com/marmos91/dittobackup/pkg/store/object/fs"
	objectMemory "github.com/marmos91/dittobackup/pkg/store/object/memory"
	objectS3 "github.com/marmos91/dittobackup/pkg/store/object/s3"
	"github.com/mitchellh/mapstructure"
)

// CreateObjectStore creates an object store based on configuration.
//
// The Type field selects the implementation; the matching type-specific map
// is decoded into that store's Config. When m is not nil the store is
// wrapped so every operation is recorded.
//
// Supported types:
//   - "filesystem": pkg/store/object/fs (local directories, optionally mirrored)
//   - "memory": pkg/store/object/memory (tests and experiments)
//   - "s3": pkg/store/object/s3 (Amazon S3 or compatible storage)
func CreateObjectStore(ctx context.Context, cfg *ObjectsConfig, m metrics.ObjectStoreMetrics) (object.Store, error) {
	var (
		s   object.Store
		err error
	)
	switch cfg.Type {
	case "filesystem":
		s, err = createFilesystemObjectStore(ctx, cfg.Filesystem)
	case "memory":
		s, err = objectMemory.New(ctx)
	case "s3":
		s, err = createS3ObjectStore(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown object store type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if m != nil {
		s = object.Instrumented(s, m)
	}
	return s, nil
}

// createFilesystemObjectStore creates a directory-backed object store.
func createFilesystemObjectStore(ctx context.Context, options map[string]any) (object.Store, error) {
	var storeCfg objectFs.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem object store config: %w", err)
	}

	if len(storeCfg.Mirrors) == 0 {
		return nil, fmt.Errorf("filesystem object store: at least one mirror is required")
	}

	s, err := objectFs.New(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem object store: %w", err)
	}

	logger.Debug("Filesystem object store initialized: mirrors=%v, sync=%t", storeCfg.Mirrors, storeCfg.Sync)
	return s, nil
}

// createS3ObjectStore creates an S3-backed object store.
func createS3ObjectStore(ctx context.Context, options map[string]any) (object.Store, error) {
	var storeCfg objectS3.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 object store config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 object store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 object store: region is required")
	}

	client, err := objectS3.NewClient(ctx, storeCfg)
	if err != nil {
		return nil, err
	}

	s, err := objectS3.New(ctx, client, storeCfg.Bucket, storeCfg.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 object store: %w", err)
	}

	logger.Info("S3 object store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return s, nil
}

// CreateAccountDatabase creates the account database based on configuration.
//
// Supported types:
//   - "memory": pkg/store/account/memory
//   - "badger": pkg/store/account/badger
func CreateAccountDatabase(ctx context.Context, cfg *AccountsConfig) (account.Database, error) {
	switch cfg.Type {
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return accountMemory.New(), nil
	case "badger":
		return createBadgerAccountDatabase(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown account database type: %q (supported: memory, badger)", cfg.Type)
	}
}

func createBadgerAccountDatabase(ctx context.Context, options map[string]any) (account.Database, error) {
	var dbCfg accountBadger.Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &dbCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode badger account database options: %w", err)
	}

	if dbCfg.DBPath == "" && !dbCfg.InMemory {
		return nil, fmt.Errorf("badger account database: db_path is required")
	}

	db, err := accountBadger.New(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger account database: %w", err)
	}
	return db, nil
}

// CreateLocker creates the account lock provider.
func CreateLocker(cfg *LockConfig) (store.Locker, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemoryLocker(), nil
	case "file":
		l, err := store.NewFileLocker(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown lock type: %q (supported: memory, file)", cfg.Type)
	}
}
