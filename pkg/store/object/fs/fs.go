// Package fs implements a filesystem object store over a set of mirrored
// directories (a "disc set").
//
// Every object is written to every mirror; reads are served by the first
// mirror holding a copy, so a single damaged or missing mirror copy does not
// lose the object.
//
// Object layout inside each mirror:
//
//	<mirror>/<id byte 1>/<id byte 0>/o<16 hex digits>
//
// where byte 0 is the least significant byte of the ID, so consecutive IDs
// spread across directories.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/marmos91/dittobackup/pkg/store/object"
)

const (
	objectPrefix = "o"
	tempSuffix   = ".tmp"
)

// Config describes a disc set.
type Config struct {
	// Mirrors are the root directories holding copies of every object.
	// At least one is required.
	Mirrors []string `mapstructure:"mirrors" validate:"required,min=1,dive,required"`

	// Sync forces an fsync of each object before it is committed.
	Sync bool `mapstructure:"sync"`
}

// Store implements object.Store on local directories.
//
// Thread Safety:
// Concurrent writes to different objects are safe. Concurrent writes to the
// same object resolve last-rename-wins, which is still atomic for readers.
type Store struct {
	mirrors []string
	sync    bool
}

// New creates the mirror directories if needed and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cfg.Mirrors) == 0 {
		return nil, errors.New("filesystem object store needs at least one mirror")
	}

	for _, m := range cfg.Mirrors {
		if err := os.MkdirAll(m, 0755); err != nil {
			return nil, fmt.Errorf("failed to create mirror %s: %w", m, err)
		}
	}

	return &Store{
		mirrors: slices.Clone(cfg.Mirrors),
		sync:    cfg.Sync,
	}, nil
}

// objectPath returns the path of id inside one mirror. Pure, no I/O.
func objectPath(mirror string, id int64) string {
	u := uint64(id)
	return filepath.Join(mirror,
		fmt.Sprintf("%02x", (u>>8)&0xff),
		fmt.Sprintf("%02x", u&0xff),
		fmt.Sprintf("%s%016x", objectPrefix, u))
}

// parseObjectName returns the ID encoded in a file name, if any.
func parseObjectName(name string) (int64, bool) {
	if !strings.HasPrefix(name, objectPrefix) || len(name) != len(objectPrefix)+16 {
		return 0, false
	}
	u, err := strconv.ParseUint(name[len(objectPrefix):], 16, 64)
	if err != nil {
		return 0, false
	}
	return int64(u), true
}

// ReadObject opens the first mirror copy that exists.
func (s *Store) ReadObject(ctx context.Context, id int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lastErr error
	for _, m := range s.mirrors {
		f, err := os.Open(objectPath(m, id))
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", object.FormatID(id), lastErr)
	}
	return nil, object.NotFound(id)
}

// WriteObject writes data to a temporary file in every mirror, then renames
// each into place. The rename is the commit point.
func (s *Store) WriteObject(ctx context.Context, id int64, data []byte) error {
	// ========================================================================
	// Step 1: Check context before filesystem operation
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return err
	}

	// ========================================================================
	// Step 2: Write a temporary copy in every mirror
	// ========================================================================

	temps := make([]string, 0, len(s.mirrors))
	cleanup := func() {
		for _, t := range temps {
			_ = os.Remove(t)
		}
	}

	for _, m := range s.mirrors {
		final := objectPath(m, id)
		if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
			cleanup()
			return fmt.Errorf("failed to create object directory: %w", err)
		}
		tmp, err := s.writeTemp(final, data)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to write object %s: %w", object.FormatID(id), err)
		}
		temps = append(temps, tmp)
	}

	// ========================================================================
	// Step 3: Commit by renaming every copy into place
	// ========================================================================

	for i, m := range s.mirrors {
		if err := os.Rename(temps[i], objectPath(m, id)); err != nil {
			cleanup()
			return fmt.Errorf("failed to commit object %s: %w", object.FormatID(id), err)
		}
	}
	return nil
}

func (s *Store) writeTemp(final string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".*"+tempSuffix)
	if err != nil {
		return "", err
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if s.sync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(name)
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// ObjectExists reports whether any mirror holds id.
func (s *Store) ObjectExists(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for _, m := range s.mirrors {
		_, err := os.Stat(objectPath(m, id))
		if err == nil {
			return true, nil
		}
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("failed to stat object %s: %w", object.FormatID(id), err)
		}
	}
	return false, nil
}

// ObjectSize returns the size of the first mirror copy.
func (s *Store) ObjectSize(ctx context.Context, id int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	for _, m := range s.mirrors {
		info, err := os.Stat(objectPath(m, id))
		if err == nil {
			return info.Size(), nil
		}
		if !os.IsNotExist(err) {
			return 0, fmt.Errorf("failed to stat object %s: %w", object.FormatID(id), err)
		}
	}
	return 0, object.NotFound(id)
}

// DeleteObject removes every mirror copy of id.
func (s *Store) DeleteObject(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	for _, m := range s.mirrors {
		if err := os.Remove(objectPath(m, id)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete object %s: %w", object.FormatID(id), errors.Join(errs...))
	}
	return nil
}

// ListObjects walks every mirror and returns the union of stored IDs.
// Leftover temporary files from interrupted writes are ignored.
func (s *Store) ListObjects(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	for _, m := range s.mirrors {
		err := filepath.WalkDir(m, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if len(seen)%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if d.IsDir() {
				return nil
			}
			if id, ok := parseObjectName(d.Name()); ok {
				seen[id] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list mirror %s: %w", m, err)
		}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Close is a no-op; the store holds no open files.
func (s *Store) Close() error {
	return nil
}
