package relations

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	relerr "github.com/23skdu/relnode/internal/errors"
	"github.com/23skdu/relnode/internal/metrics"
)

const badgerDir = "badger"

// Key layout:
//
//	'e' {len}{source.value}{len}{source.type}{len}{source.subtype}
//	    {len}{relation}
//	    {len}{target.value}{len}{target.type}{len}{target.subtype}  -> msgpack(EdgeMetadata)
//
// Segments are uvarint length-prefixed so node values may hold any byte.
var edgePrefix = []byte{'e'}

// badgerStore keeps one badger key per edge. A commit is one badger update
// transaction; readers use badger read transactions, which see a consistent
// MVCC snapshot of whole commits only.
type badgerStore struct {
	db     *badger.DB
	logger zerolog.Logger

	commits atomic.Uint64
	cached  atomic.Pointer[view]
	builds  singleflight.Group
}

func openBadgerStore(dir string, logger zerolog.Logger) (*badgerStore, error) {
	dbOpts := badger.DefaultOptions(filepath.Join(dir, badgerDir)).
		WithLogger(badgerLogger{logger})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, relerr.WrapStorageError(err, "open", "cannot open badger store").WithContext("path", dir)
	}
	return &badgerStore{db: db, logger: logger}, nil
}

func (s *badgerStore) version() uint64 {
	return s.commits.Load()
}

func (s *badgerStore) edges(ctx context.Context) (EdgeList, error) {
	var out EdgeList
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: edgePrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(edgePrefix); it.ValidForPrefix(edgePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key, err := decodeEdgeKey(item.Key())
			if err != nil {
				return err
			}
			e := Edge{Source: key.Source, Relation: key.Relation, Target: key.Target}
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e.Metadata)
			}); err != nil {
				return fmt.Errorf("edge %s: %w", key.Relation, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, relerr.WrapStorageError(err, "get_edges", "cannot scan badger store")
	}
	out.Sort()
	return out, nil
}

func (s *badgerStore) count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: edgePrefix})
		defer it.Close()
		for it.Seek(edgePrefix); it.ValidForPrefix(edgePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, relerr.WrapStorageError(err, "count", "cannot scan badger store")
	}
	return n, nil
}

// view builds the indexed image of the committed state, at most once per commit.
// The commit counter is read before the scan, so a view is never labeled with
// a version newer than the data it holds.
func (s *badgerStore) view(ctx context.Context) (*view, error) {
	ver := s.commits.Load()
	if v := s.cached.Load(); v != nil && v.version == ver {
		return v, nil
	}

	res, err, _ := s.builds.Do(strconv.FormatUint(ver, 10), func() (interface{}, error) {
		edges, err := s.edges(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		v := newView(ver, edges)
		metrics.RelationViewBuildsTotal.WithLabelValues(string(ChannelExperimental)).Inc()
		for {
			cur := s.cached.Load()
			if cur != nil && cur.version >= ver {
				break
			}
			if s.cached.CompareAndSwap(cur, v) {
				break
			}
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*view), nil
}

func (s *badgerStore) apply(ctx context.Context, b *batch) error {
	if err := ctx.Err(); err != nil {
		return relerr.WrapStorageError(err, "commit", "commit canceled before write")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range b.deletes {
			if err := txn.Delete(encodeEdgeKey(k)); err != nil {
				return err
			}
		}
		for _, e := range b.puts {
			val, err := msgpack.Marshal(&e.Metadata)
			if err != nil {
				return err
			}
			if err := txn.Set(encodeEdgeKey(e.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		se := relerr.WrapStorageError(err, "commit", "badger transaction failed").WithContext("ops", b.size())
		if errors.Is(err, badger.ErrTxnTooBig) {
			se.Message = "commit exceeds badger transaction size"
		}
		return se
	}
	s.commits.Add(1)
	return nil
}

func (s *badgerStore) close() error {
	if err := s.db.Close(); err != nil {
		return relerr.WrapStorageError(err, "close", "cannot close badger store")
	}
	return nil
}

func encodeEdgeKey(k EdgeKey) []byte {
	segs := [...]string{
		k.Source.Value, string(k.Source.Type), k.Source.Subtype,
		k.Relation,
		k.Target.Value, string(k.Target.Type), k.Target.Subtype,
	}
	n := len(edgePrefix)
	for _, s := range segs {
		n += binary.MaxVarintLen64 + len(s)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, edgePrefix...)
	for _, s := range segs {
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		buf = append(buf, s...)
	}
	return buf
}

func decodeEdgeKey(b []byte) (EdgeKey, error) {
	if len(b) < len(edgePrefix) || b[0] != edgePrefix[0] {
		return EdgeKey{}, errors.New("edge key: bad prefix")
	}
	b = b[len(edgePrefix):]

	var segs [7]string
	for i := range segs {
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return EdgeKey{}, fmt.Errorf("edge key: truncated segment %d", i)
		}
		segs[i] = string(b[n : n+int(l)])
		b = b[n+int(l):]
	}
	if len(b) != 0 {
		return EdgeKey{}, errors.New("edge key: trailing bytes")
	}
	return EdgeKey{
		Source:   Node{Value: segs[0], Type: NodeType(segs[1]), Subtype: segs[2]},
		Relation: segs[3],
		Target:   Node{Value: segs[4], Type: NodeType(segs[5]), Subtype: segs[6]},
	}, nil
}

// badgerLogger routes badger's own logging through zerolog, dropping info and debug.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error().Str("engine", "badger").Msgf(f, v...)
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn().Str("engine", "badger").Msgf(f, v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
