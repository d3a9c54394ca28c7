package spool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/rlog"
)

// FSStore is the filesystem variant of Store: two hashed-fan-out directory
// trees (meta/ and data/) under a root directory, one file per message id.
// Grounded on spec.md §4.1's described layout and the path scheme in §6.
type FSStore struct {
	root     string
	durable  bool
	log      rlog.Logger
	enumBuf  int
}

// NewFSStore opens (creating if necessary) a filesystem spool rooted at
// root. durable controls whether Store fsyncs before returning, matching
// the "store MUST return only after the bytes are durably persisted if
// durability is required by configuration" clause in spec.md §4.1.
func NewFSStore(root string, durable bool, log rlog.Logger) (*FSStore, error) {
	for _, sub := range []string{"meta", "data", "corrupt"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("fsspool: create %s dir: %w", sub, err)
		}
	}
	return &FSStore{root: root, durable: durable, log: log.Named("fsspool"), enumBuf: 256}, nil
}

func (s *FSStore) dirFor(kind Kind) string {
	if kind == KindMeta {
		return filepath.Join(s.root, "meta")
	}
	return filepath.Join(s.root, "data")
}

func (s *FSStore) Load(ctx context.Context, kind Kind, id uuid.UUID) ([]byte, error) {
	return os.ReadFile(PathFor(s.dirFor(kind), id))
}

// Store writes data atomically: write to a temp file in the same directory,
// fsync if durability is required, then rename over the final path. Rename
// within the same filesystem is atomic, so a reader never observes a
// partially written entry.
func (s *FSStore) Store(ctx context.Context, kind Kind, id uuid.UUID, data []byte) error {
	final := PathFor(s.dirFor(kind), id)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return fmt.Errorf("fsspool: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsspool: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fsspool: write: %w", err)
	}

	if s.durable {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("fsspool: fsync: %w", err)
		}
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsspool: close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("fsspool: rename: %w", err)
	}

	if s.durable {
		if dir, err := os.Open(filepath.Dir(final)); err == nil {
			_ = dir.Sync()
			dir.Close()
		}
	}

	return nil
}

// Remove is idempotent: os.ErrNotExist is swallowed.
func (s *FSStore) Remove(ctx context.Context, kind Kind, id uuid.UUID) error {
	err := os.Remove(PathFor(s.dirFor(kind), id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsspool: remove: %w", err)
	}
	return nil
}

func (s *FSStore) Enumerate(ctx context.Context, kind Kind) (<-chan Entry, error) {
	out := make(chan Entry, s.enumBuf)
	root := s.dirFor(kind)

	go func() {
		defer close(out)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // keep walking past transient stat errors
			}
			if d.IsDir() {
				return nil
			}
			if filepath.Base(filepath.Dir(path)) == "" {
				return nil
			}
			id, ok := FromPath(root, path)
			if !ok {
				return nil // not a spool-shaped file (e.g. leftover .tmp-*)
			}

			data, readErr := os.ReadFile(path)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if readErr != nil {
				s.quarantine(kind, id, readErr)
				out <- Entry{ID: id, Corrupt: &Corrupt{ID: id, Error: readErr}}
				return nil
			}

			out <- Entry{ID: id, Bytes: data}
			return nil
		})
		if err != nil && err != context.Canceled {
			s.log.Errorf(err, "enumerate %s walk aborted", root)
		}
	}()

	return out, nil
}

// quarantine copies an unreadable entry aside under corrupt/ rather than
// dropping it silently, per spec.md §4.1.
func (s *FSStore) quarantine(kind Kind, id uuid.UUID, cause error) {
	src := PathFor(s.dirFor(kind), id)
	dst := filepath.Join(s.root, "corrupt", fmt.Sprintf("%s.%d", id.String(), kind))
	if err := os.Rename(src, dst); err != nil {
		s.log.Errorf(err, "failed to quarantine corrupt spool entry %s", id)
		return
	}
	s.log.Warnf("quarantined corrupt spool entry id=%s kind=%d cause=%v", id, kind, cause)
}

func (s *FSStore) Close() error { return nil }
