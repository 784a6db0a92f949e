package relations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/rs/zerolog"

	relerr "github.com/23skdu/relnode/internal/errors"
)

const snapshotFile = "edges.arrow"

// memoryStore keeps the committed view behind an atomic pointer. Readers load
// the pointer and never wait; a commit persists the next edge set and then
// swaps the pointer, so a view is either entirely old or entirely new.
type memoryStore struct {
	path    string
	mem     memory.Allocator
	logger  zerolog.Logger
	current atomic.Pointer[view]
}

func openMemoryStore(dir string, mem memory.Allocator, logger zerolog.Logger) (*memoryStore, error) {
	s := &memoryStore{
		path:   filepath.Join(dir, snapshotFile),
		mem:    mem,
		logger: logger,
	}

	edges, err := readSnapshot(s.path, mem)
	if err != nil {
		return nil, relerr.WrapStorageError(err, "open", "cannot load edge snapshot").WithContext("path", s.path)
	}
	s.current.Store(newView(0, edges))
	logger.Debug().Int("edges", len(edges)).Str("path", s.path).Msg("Loaded edge snapshot")
	return s, nil
}

func (s *memoryStore) view(context.Context) (*view, error) {
	return s.current.Load(), nil
}

func (s *memoryStore) edges(context.Context) (EdgeList, error) {
	return s.current.Load().edgeList(), nil
}

func (s *memoryStore) count(context.Context) (int, error) {
	return s.current.Load().count(), nil
}

func (s *memoryStore) version() uint64 {
	return s.current.Load().version
}

func (s *memoryStore) apply(ctx context.Context, b *batch) error {
	if err := ctx.Err(); err != nil {
		return relerr.WrapStorageError(err, "commit", "commit canceled before write")
	}
	prev := s.current.Load()
	next := newView(prev.version+1, prev.withBatch(b))

	if err := writeSnapshot(s.path, s.mem, next.edges); err != nil {
		return relerr.WrapStorageError(err, "commit", "cannot persist edge snapshot").
			WithContext("path", s.path).
			WithContext("edges", next.count())
	}
	s.current.Store(next)
	return nil
}

func (s *memoryStore) close() error {
	return nil
}

// writeSnapshot replaces the snapshot file with edges. An empty edge set
// removes the file.
func writeSnapshot(path string, mem memory.Allocator, edges EdgeList) error {
	if len(edges) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	rec := edges.ToArrow(mem)
	defer rec.Release()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := ipc.NewWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	return finishAtomic(f, tmp, path)
}

func readSnapshot(path string, mem memory.Allocator) (EdgeList, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var out EdgeList
	for r.Next() {
		edges, err := EdgesFromArrow(r.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, edges...)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
