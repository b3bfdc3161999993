// Package memory implements an in-memory account database for tests and
// ephemeral accounts.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/store/account"
)

// Database implements account.Database with maps. StoreInfo records are
// kept encoded so a load never aliases a saved record.
type Database struct {
	mu        sync.RWMutex
	infos     map[uint32][]byte
	refCounts map[uint32]map[int64]uint32
}

var _ account.Database = (*Database)(nil)

// New returns an empty database.
func New() *Database {
	return &Database{
		infos:     make(map[uint32][]byte),
		refCounts: make(map[uint32]map[int64]uint32),
	}
}

func (d *Database) LoadInfo(ctx context.Context, accountID uint32) (*backup.StoreInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	data, ok := d.infos[accountID]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("account %08x: %w", accountID, account.ErrInfoNotFound)
	}
	info := &backup.StoreInfo{}
	if err := info.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return info, nil
}

func (d *Database) SaveInfo(ctx context.Context, info *backup.StoreInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := info.MarshalBinary()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.infos[info.AccountID] = data
	return nil
}

func (d *Database) DeleteInfo(ctx context.Context, accountID uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.infos, accountID)
	return nil
}

func (d *Database) ListAccounts(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.infos)), nil
}

func (d *Database) RefCount(ctx context.Context, accountID uint32, objectID int64) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refCounts[accountID][objectID], nil
}

func (d *Database) AddReference(ctx context.Context, accountID uint32, objectID int64) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	counts := d.refCounts[accountID]
	if counts == nil {
		counts = make(map[int64]uint32)
		d.refCounts[accountID] = counts
	}
	counts[objectID]++
	return counts[objectID], nil
}

func (d *Database) RemoveReference(ctx context.Context, accountID uint32, objectID int64) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	counts := d.refCounts[accountID]
	if counts[objectID] == 0 {
		return 0, backup.NewError(backup.KindReferentialInconsistency, "RemoveReference", objectID,
			"object has no references")
	}
	counts[objectID]--
	n := counts[objectID]
	if n == 0 {
		delete(counts, objectID)
	}
	return n, nil
}

func (d *Database) RefCounts(ctx context.Context, accountID uint32) (map[int64]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[int64]uint32, len(d.refCounts[accountID]))
	maps.Copy(out, d.refCounts[accountID])
	return out, nil
}

func (d *Database) ReplaceRefCounts(ctx context.Context, accountID uint32, counts map[int64]uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	table := make(map[int64]uint32, len(counts))
	for id, n := range counts {
		if n > 0 {
			table[id] = n
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.refCounts[accountID] = table
	return nil
}

func (d *Database) Close() error {
	return nil
}
