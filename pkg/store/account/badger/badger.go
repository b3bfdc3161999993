// Package badger implements the account database on BadgerDB.
//
// Key schema:
//
//	i:<account 8 hex>                       XDR-encoded StoreInfo
//	r:<account 8 hex>:<object id 8 bytes BE> reference count, uint32 BE
//
// The big-endian object ID keeps the reference counts of one account
// sorted by ID under a common prefix.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/store/account"
)

const (
	prefixInfo     = "i:"
	prefixRefCount = "r:"
)

// Config configures the database.
type Config struct {
	// DBPath is the directory holding the BadgerDB files.
	DBPath string `mapstructure:"db_path" validate:"required"`

	// BlockCacheSizeMB and IndexCacheSizeMB size the Badger caches.
	BlockCacheSizeMB int64 `mapstructure:"block_cache_mb"`
	IndexCacheSizeMB int64 `mapstructure:"index_cache_mb"`

	// InMemory runs Badger without touching disk (tests).
	InMemory bool `mapstructure:"in_memory"`
}

// Database implements account.Database using BadgerDB.
//
// Thread Safety:
// Every operation runs inside a single Badger transaction; Badger provides
// the isolation, so the type carries no lock of its own. Update transactions
// that conflict are retried.
type Database struct {
	db *badger.DB
}

var _ account.Database = (*Database)(nil)

// New opens (or creates) the database.
func New(ctx context.Context, cfg Config) (*Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, errors.New("badger account database: db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}

	// Records are tiny: no compression, small caches.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 32
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 16
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	logger.Debug("Account database opened: path=%s in_memory=%v", cfg.DBPath, cfg.InMemory)
	return &Database{db: db}, nil
}

// ============================================================================
// Keys
// ============================================================================

func keyInfo(accountID uint32) []byte {
	return fmt.Appendf(nil, "%s%08x", prefixInfo, accountID)
}

func keyRefCountPrefix(accountID uint32) []byte {
	return fmt.Appendf(nil, "%s%08x:", prefixRefCount, accountID)
}

func keyRefCount(accountID uint32, objectID int64) []byte {
	return binary.BigEndian.AppendUint64(keyRefCountPrefix(accountID), uint64(objectID))
}

func encodeCount(n uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, n)
}

func decodeCount(val []byte) (uint32, error) {
	if len(val) != 4 {
		return 0, backup.NewError(backup.KindStructuralCorruption, "RefCount", 0,
			"reference count record of %d bytes", len(val))
	}
	return binary.BigEndian.Uint32(val), nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (d *Database) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// ============================================================================
// StoreInfo
// ============================================================================

// LoadInfo reads and decodes the account's StoreInfo.
func (d *Database) LoadInfo(ctx context.Context, accountID uint32) (*backup.StoreInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info := &backup.StoreInfo{}
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyInfo(accountID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("account %08x: %w", accountID, account.ErrInfoNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(info.UnmarshalBinary)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// SaveInfo encodes and writes the StoreInfo.
func (d *Database) SaveInfo(ctx context.Context, info *backup.StoreInfo) error {
	data, err := info.MarshalBinary()
	if err != nil {
		return err
	}
	return d.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(keyInfo(info.AccountID), data)
	})
}

// DeleteInfo removes the StoreInfo record.
func (d *Database) DeleteInfo(ctx context.Context, accountID uint32) error {
	return d.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(keyInfo(accountID))
	})
}

// ListAccounts scans the StoreInfo keys.
func (d *Database) ListAccounts(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []uint32
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixInfo)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			id, err := strconv.ParseUint(string(key[len(prefixInfo):]), 16, 32)
			if err != nil {
				logger.Warn("Ignoring malformed account key %q", key)
				continue
			}
			ids = append(ids, uint32(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// ============================================================================
// Reference counts
// ============================================================================

// RefCount returns the stored count, 0 when there is none.
func (d *Database) RefCount(ctx context.Context, accountID uint32, objectID int64) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count uint32
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRefCount(accountID, objectID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			count, err = decodeCount(val)
			return err
		})
	})
	return count, err
}

// adjust applies delta to a count inside one transaction. A count reaching
// zero deletes the key.
func (d *Database) adjust(ctx context.Context, accountID uint32, objectID int64, delta int) (uint32, error) {
	var result uint32
	err := d.update(ctx, func(txn *badger.Txn) error {
		key := keyRefCount(accountID, objectID)

		var current uint32
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				current, err = decodeCount(val)
				return err
			}); err != nil {
				return err
			}
		}

		if delta < 0 && current == 0 {
			return backup.NewError(backup.KindReferentialInconsistency, "RemoveReference", objectID,
				"object has no references")
		}
		result = uint32(int64(current) + int64(delta))
		if result == 0 {
			return txn.Delete(key)
		}
		return txn.Set(key, encodeCount(result))
	})
	return result, err
}

// AddReference increments the count.
func (d *Database) AddReference(ctx context.Context, accountID uint32, objectID int64) (uint32, error) {
	return d.adjust(ctx, accountID, objectID, 1)
}

// RemoveReference decrements the count.
func (d *Database) RemoveReference(ctx context.Context, accountID uint32, objectID int64) (uint32, error) {
	return d.adjust(ctx, accountID, objectID, -1)
}

// RefCounts scans every count of the account.
func (d *Database) RefCounts(ctx context.Context, accountID uint32) (map[int64]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	counts := make(map[int64]uint32)
	prefix := keyRefCountPrefix(accountID)
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if len(counts)%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+8 {
				continue
			}
			id := int64(binary.BigEndian.Uint64(key[len(prefix):]))
			err := item.Value(func(val []byte) error {
				n, err := decodeCount(val)
				if err != nil {
					return err
				}
				counts[id] = n
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ReplaceRefCounts deletes every count of the account and writes the new
// table. A WriteBatch is not atomic, so the table is written in a single
// transaction; accounts large enough to overflow one fall back to a
// streamed rewrite.
func (d *Database) ReplaceRefCounts(ctx context.Context, accountID uint32, counts map[int64]uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	existing, err := d.RefCounts(ctx, accountID)
	if err != nil {
		return err
	}

	err = d.update(ctx, func(txn *badger.Txn) error {
		return replaceIn(txn, accountID, existing, counts)
	})
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}

	logger.Warn("Reference count table of account %08x too large for one transaction, rewriting in batches", accountID)
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for id := range existing {
		if _, keep := counts[id]; !keep {
			if err := wb.Delete(keyRefCount(accountID, id)); err != nil {
				return err
			}
		}
	}
	for id, n := range counts {
		if n == 0 {
			continue
		}
		if err := wb.Set(keyRefCount(accountID, id), encodeCount(n)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func replaceIn(txn *badger.Txn, accountID uint32, existing, counts map[int64]uint32) error {
	for id := range existing {
		if n, keep := counts[id]; !keep || n == 0 {
			if err := txn.Delete(keyRefCount(accountID, id)); err != nil {
				return err
			}
		}
	}
	for id, n := range counts {
		if n == 0 || existing[id] == n {
			continue
		}
		if err := txn.Set(keyRefCount(accountID, id), encodeCount(n)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the BadgerDB.
func (d *Database) Close() error {
	return d.db.Close()
}
