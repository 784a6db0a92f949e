package relations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	relerr "github.com/23skdu/relnode/internal/errors"
	"github.com/23skdu/relnode/internal/metrics"
)

type opKind uint8

const (
	opInsert opKind = iota
	opUpdate
	opDelete
	opDeleteNode
	opDeleteResource
)

// op is one staged mutation. Only the fields of its kind are set.
type op struct {
	kind     opKind
	edge     Edge
	key      EdgeKey
	node     Node
	resource string
}

// WriteSession is the exclusive writer of an Index. It stages mutations in
// issue order and publishes them on Commit. A session is not meant to be
// shared between goroutines, but its methods are safe to call concurrently.
type WriteSession struct {
	id     string
	idx    *Index
	logger zerolog.Logger

	mu       sync.Mutex
	ops      []op
	released bool
}

var _ Writer = (*WriteSession)(nil)

// ID identifies the session in logs.
func (w *WriteSession) ID() string {
	return w.id
}

func (w *WriteSession) stage(opName string, ops ...op) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return relerr.WrapConcurrencyError(relerr.ErrWriterReleased, opName, "session already released").
			WithContext("session", w.id)
	}
	w.ops = append(w.ops, ops...)
	return nil
}

// Insert stages e. Committing it is a no-op if an edge with the same identity
// exists by then; the existing metadata is kept.
func (w *WriteSession) Insert(e Edge) error {
	if err := e.Key().validate("insert"); err != nil {
		return err
	}
	return w.stage("insert", op{kind: opInsert, edge: e})
}

// Update stages an upsert of e.
func (w *WriteSession) Update(e Edge) error {
	if err := e.Key().validate("update"); err != nil {
		return err
	}
	return w.stage("update", op{kind: opUpdate, edge: e})
}

// Delete stages removal of the edge with identity k. Absent edges are ignored.
func (w *WriteSession) Delete(k EdgeKey) error {
	if err := k.validate("delete"); err != nil {
		return err
	}
	return w.stage("delete", op{kind: opDelete, key: k})
}

// DeleteNode stages removal of every edge with n as source or target.
func (w *WriteSession) DeleteNode(n Node) error {
	if err := n.validate("delete_node", "node"); err != nil {
		return err
	}
	return w.stage("delete_node", op{kind: opDeleteNode, node: n})
}

// DeleteResource stages removal of every edge produced by the resource or
// having its RESOURCE node as an endpoint.
func (w *WriteSession) DeleteResource(resourceID string) error {
	if resourceID == "" {
		return relerr.NewValidationError("delete_resource", "resource id is empty")
	}
	return w.stage("delete_resource", op{kind: opDeleteResource, resource: resourceID})
}

// SetResource replaces everything the resource contributed with edges. Each
// edge is stamped with resourceID. Either all of it is staged or none.
func (w *WriteSession) SetResource(resourceID string, edges []Edge) error {
	const opName = "set_resource"
	if resourceID == "" {
		return relerr.NewValidationError(opName, "resource id is empty")
	}
	ops := make([]op, 0, len(edges)+1)
	ops = append(ops, op{kind: opDeleteResource, resource: resourceID})
	for i, e := range edges {
		if err := e.Key().validate(opName); err != nil {
			return fmt.Errorf("edge %d: %w", i, err)
		}
		e.Metadata.ResourceID = resourceID
		ops = append(ops, op{kind: opInsert, edge: e})
	}
	return w.stage(opName, ops...)
}

// Pending returns the number of staged, uncommitted mutations.
func (w *WriteSession) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ops)
}

// Commit publishes every staged mutation atomically. On error nothing is
// visible and the staged mutations are kept, so Commit may be retried.
func (w *WriteSession) Commit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return relerr.WrapConcurrencyError(relerr.ErrWriterReleased, "commit", "session already released").
			WithContext("session", w.id)
	}
	if len(w.ops) == 0 {
		return nil
	}

	channel := string(w.idx.cfg.Channel)
	start := time.Now()
	fail := func(err error) error {
		metrics.RelationCommitsTotal.WithLabelValues(channel, "error").Inc()
		w.logger.Error().Err(err).Int("ops", len(w.ops)).Msg("Commit failed")
		return err
	}

	committed, err := w.idx.store.view(ctx)
	if err != nil {
		return fail(err)
	}
	b := resolve(committed, w.ops)
	if b.size() == 0 {
		w.ops = nil
		metrics.RelationCommitsTotal.WithLabelValues(channel, "noop").Inc()
		return nil
	}
	if err := w.idx.store.apply(ctx, b); err != nil {
		return fail(err)
	}

	added := 0
	for _, e := range b.puts {
		if _, ok := committed.lookup(e.Key()); !ok {
			added++
		}
	}
	edges := committed.count() - len(b.deletes) + added
	ops := len(w.ops)
	w.ops = nil
	w.idx.invalidate()

	elapsed := time.Since(start)
	metrics.RelationCommitsTotal.WithLabelValues(channel, "ok").Inc()
	metrics.RelationCommitDurationSeconds.WithLabelValues(channel).Observe(elapsed.Seconds())
	metrics.RelationCommitBatchSize.Observe(float64(b.size()))
	metrics.RelationEdges.WithLabelValues(channel).Set(float64(edges))

	w.logger.Debug().
		Int("ops", ops).
		Int("puts", len(b.puts)).
		Int("deletes", len(b.deletes)).
		Int("edges", edges).
		Uint64("version", w.idx.store.version()).
		Dur("duration", elapsed).
		Msg("Committed")
	return nil
}

// Release discards staged mutations and frees the writer slot. It is safe to
// call more than once.
func (w *WriteSession) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true
	if n := len(w.ops); n > 0 {
		w.logger.Debug().Int("ops", n).Msg("Discarded uncommitted operations")
	}
	w.ops = nil
	w.idx.releaseWriter()
}

// resolve replays ops over the committed view and returns the difference.
// Overlay entries are nil for deleted identities.
func resolve(v *view, ops []op) *batch {
	overlay := make(map[EdgeKey]*Edge)
	present := func(k EdgeKey) bool {
		if e, ok := overlay[k]; ok {
			return e != nil
		}
		_, ok := v.lookup(k)
		return ok
	}
	removeWhere := func(committed []uint32, match func(Edge) bool) {
		for _, pos := range committed {
			k := v.edges[pos].Key()
			if _, staged := overlay[k]; !staged {
				overlay[k] = nil
			}
		}
		for k, e := range overlay {
			if e != nil && match(*e) {
				overlay[k] = nil
			}
		}
	}

	for _, o := range ops {
		switch o.kind {
		case opInsert:
			if k := o.edge.Key(); !present(k) {
				e := o.edge
				overlay[k] = &e
			}
		case opUpdate:
			e := o.edge
			overlay[e.Key()] = &e
		case opDelete:
			overlay[o.key] = nil
		case opDeleteNode:
			n := o.node
			removeWhere(v.touching(n), func(e Edge) bool { return e.Key().touches(n) })
		case opDeleteResource:
			id := o.resource
			removeWhere(v.ofResource(id), func(e Edge) bool { return belongsTo(e, id) })
		}
	}

	b := &batch{}
	for k, e := range overlay {
		old, exists := v.lookup(k)
		switch {
		case e == nil && exists:
			b.deletes = append(b.deletes, k)
		case e != nil && (!exists || old.Metadata != e.Metadata):
			b.puts = append(b.puts, *e)
		}
	}
	return b
}

// belongsTo reports whether e was produced by, or points at, resource id.
func belongsTo(e Edge, id string) bool {
	if e.Metadata.ResourceID == id {
		return true
	}
	return (e.Source.Type == NodeTypeResource && e.Source.Value == id) ||
		(e.Target.Type == NodeTypeResource && e.Target.Value == id)
}
