package relations

import (
	"context"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/23skdu/relnode/internal/cache"
	relerr "github.com/23skdu/relnode/internal/errors"
	"github.com/23skdu/relnode/internal/metrics"
)

// DefaultSearchCacheSize is the number of search responses kept per index.
const DefaultSearchCacheSize = 1024

type options struct {
	logger    zerolog.Logger
	mem       memory.Allocator
	cacheSize int
	cacheTTL  time.Duration
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used by the index and its sessions.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAllocator sets the Arrow allocator used for snapshots.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.mem = mem }
}

// WithSearchCacheSize bounds the search cache. Zero disables it.
func WithSearchCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithSearchCacheTTL expires cached search responses after ttl even if no
// commit has invalidated them. Zero keeps them until the next commit.
func WithSearchCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = ttl }
}

// Index is one open relation index. It hands out any number of readers and
// at most one writer session at a time.
type Index struct {
	cfg    Config
	store  engine
	logger zerolog.Logger
	cache  *cache.QueryCache[*SearchResponse]
	reader *IndexReader

	writer chan struct{} // one slot; holding it means owning the writer
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open validates cfg, prepares its directory and opens the storage engine of
// cfg.Channel. Opening an existing index with another channel fails with a
// configuration error wrapping ErrChannelMismatch.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, relerr.WrapStorageError(err, "open", "open canceled")
	}
	o := options{
		logger:    zerolog.Nop(),
		mem:       memory.DefaultAllocator,
		cacheSize: DefaultSearchCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize < 0 {
		return nil, relerr.NewConfigurationError("open", "search cache size is negative")
	}
	if o.cacheTTL < 0 {
		return nil, relerr.NewConfigurationError("open", "search cache ttl is negative")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	created, err := prepareDir(cfg)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With().
		Str("component", "relations").
		Str("channel", string(cfg.Channel)).
		Str("path", cfg.Path).
		Logger()

	var store engine
	switch cfg.Channel {
	case ChannelStable:
		store, err = openMemoryStore(cfg.Path, o.mem, logger)
	case ChannelExperimental:
		store, err = openBadgerStore(cfg.Path, logger)
	}
	if err != nil {
		return nil, err
	}

	idx := &Index{
		cfg:    cfg,
		store:  store,
		logger: logger,
		writer: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	idx.reader = &IndexReader{idx: idx}
	if o.cacheSize > 0 {
		idx.cache, err = cache.NewQueryCache[*SearchResponse](o.cacheSize, o.cacheTTL, cfg.Path)
		if err != nil {
			_ = store.close()
			return nil, relerr.WrapConfigurationError(err, "open", "cannot create search cache")
		}
	}

	n, err := store.count(ctx)
	if err != nil {
		_ = store.close()
		return nil, err
	}
	metrics.RelationEdges.WithLabelValues(string(cfg.Channel)).Set(float64(n))
	logger.Info().Bool("created", created).Int("edges", n).Msg("Opened relation index")
	return idx, nil
}

// Config returns the configuration the index was opened with.
func (i *Index) Config() Config {
	return i.cfg
}

// Version is a counter of successful commits since Open.
func (i *Index) Version() uint64 {
	return i.store.version()
}

// Reader returns the shared read handle of the index.
func (i *Index) Reader() *IndexReader {
	return i.reader
}

// AcquireWriter blocks until the writer slot is free, ctx is done or the
// index is closed.
func (i *Index) AcquireWriter(ctx context.Context) (*WriteSession, error) {
	start := time.Now()
	select {
	case i.writer <- struct{}{}:
	case <-ctx.Done():
		metrics.RelationWriterAcquireTotal.WithLabelValues("canceled").Inc()
		return nil, relerr.WrapConcurrencyError(ctx.Err(), "acquire_writer", "gave up waiting for writer")
	case <-i.done:
		metrics.RelationWriterAcquireTotal.WithLabelValues("closed").Inc()
		return nil, relerr.WrapStorageError(relerr.ErrClosed, "acquire_writer", "index is closed")
	}
	metrics.RelationWriterWaitSeconds.Observe(time.Since(start).Seconds())
	return i.newSession()
}

// TryAcquireWriter returns a session if the writer slot is free and a
// concurrency error wrapping ErrWriterBusy otherwise.
func (i *Index) TryAcquireWriter() (*WriteSession, error) {
	select {
	case i.writer <- struct{}{}:
		return i.newSession()
	default:
		metrics.RelationWriterAcquireTotal.WithLabelValues("busy").Inc()
		return nil, relerr.WrapConcurrencyError(relerr.ErrWriterBusy, "acquire_writer", "another writer is active")
	}
}

// newSession is called with the writer slot held.
func (i *Index) newSession() (*WriteSession, error) {
	i.mu.RLock()
	closed := i.closed
	i.mu.RUnlock()
	if closed {
		<-i.writer
		metrics.RelationWriterAcquireTotal.WithLabelValues("closed").Inc()
		return nil, relerr.WrapStorageError(relerr.ErrClosed, "acquire_writer", "index is closed")
	}

	id := uuid.NewString()
	metrics.RelationWriterAcquireTotal.WithLabelValues("acquired").Inc()
	metrics.RelationWritersActive.Inc()
	w := &WriteSession{
		id:     id,
		idx:    i,
		logger: i.logger.With().Str("session", id).Logger(),
	}
	w.logger.Debug().Msg("Writer acquired")
	return w, nil
}

func (i *Index) releaseWriter() {
	metrics.RelationWritersActive.Dec()
	<-i.writer
}

// invalidate drops cached search responses after a commit.
func (i *Index) invalidate() {
	if i.cache != nil {
		i.cache.Clear()
	}
}

// Close waits for the active writer, if any, to release and closes the
// storage engine. Later calls return nil; later reads and writer requests fail
// with ErrClosed.
func (i *Index) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	close(i.done)
	i.mu.Unlock()

	// Take the slot for good; no session can exist after this.
	i.writer <- struct{}{}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.invalidate()
	if err := i.store.close(); err != nil {
		i.logger.Error().Err(err).Msg("Close failed")
		return err
	}
	i.logger.Info().Msg("Closed relation index")
	return nil
}

// IndexReader serves the committed state of an Index. It is safe for
// concurrent use.
type IndexReader struct {
	idx *Index
}

var _ Reader = (*IndexReader)(nil)

// acquire holds the index open for the duration of one read.
func (r *IndexReader) acquire(op string) (func(), error) {
	r.idx.mu.RLock()
	if r.idx.closed {
		r.idx.mu.RUnlock()
		return nil, relerr.WrapStorageError(relerr.ErrClosed, op, "index is closed")
	}
	return r.idx.mu.RUnlock, nil
}

func (r *IndexReader) GetEdges(ctx context.Context) (EdgeList, error) {
	release, err := r.acquire("get_edges")
	if err != nil {
		return nil, err
	}
	defer release()
	return r.idx.store.edges(ctx)
}

func (r *IndexReader) GetNodeTypes(ctx context.Context) ([]NodeTypeMember, error) {
	types, err := r.GetTypes(ctx)
	if err != nil {
		return nil, err
	}
	return types.NodeTypes, nil
}

func (r *IndexReader) GetRelationTypes(ctx context.Context) ([]string, error) {
	types, err := r.GetTypes(ctx)
	if err != nil {
		return nil, err
	}
	return types.RelationTypes, nil
}

// GetTypes returns both vocabularies from the same committed state.
func (r *IndexReader) GetTypes(ctx context.Context) (TypeList, error) {
	release, err := r.acquire("get_types")
	if err != nil {
		return TypeList{}, err
	}
	defer release()
	v, err := r.idx.store.view(ctx)
	if err != nil {
		return TypeList{}, err
	}
	return v.typeList(), nil
}

func (r *IndexReader) Count(ctx context.Context) (int, error) {
	release, err := r.acquire("count")
	if err != nil {
		return 0, err
	}
	defer release()
	return r.idx.store.count(ctx)
}

// Search evaluates req against the latest committed state. The response is
// owned by the caller.
func (r *IndexReader) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	kind := searchKind(req)
	start := time.Now()
	resp, err := r.search(ctx, req)
	if err != nil {
		metrics.RelationSearchTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	metrics.RelationSearchTotal.WithLabelValues(kind, "ok").Inc()
	metrics.RelationSearchDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return resp, nil
}

func (r *IndexReader) search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	release, err := r.acquire("search")
	if err != nil {
		return nil, err
	}
	defer release()

	v, err := r.idx.store.view(ctx)
	if err != nil {
		return nil, err
	}
	c := r.idx.cache
	if c == nil {
		return v.search(ctx, req)
	}

	key := cache.Key{Version: v.version, Hash: req.hash()}
	if hit, ok := c.Get(key); ok {
		return hit.clone(), nil
	}
	resp, err := v.search(ctx, req)
	if err != nil {
		return nil, err
	}
	c.Put(key, resp)
	return resp.clone(), nil
}

func searchKind(req *SearchRequest) string {
	if req == nil {
		return "invalid"
	}
	kind, n := "invalid", 0
	if req.Prefix != nil {
		kind, n = "prefix", n+1
	}
	if req.Subgraph != nil {
		kind, n = "subgraph", n+1
	}
	if req.Edges != nil {
		kind, n = "edges", n+1
	}
	if n > 1 {
		return "mixed"
	}
	return kind
}
