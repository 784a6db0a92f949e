package relations

import "context"

// Reader is a read-only handle over the committed state of a relation index.
// Any number of readers may be used concurrently. Every call serves the latest
// committed state at the moment it starts; two calls separated by a commit may
// disagree with each other but never with themselves.
type Reader interface {
	GetEdges(ctx context.Context) (EdgeList, error)
	GetNodeTypes(ctx context.Context) ([]NodeTypeMember, error)
	GetRelationTypes(ctx context.Context) ([]string, error)
	GetTypes(ctx context.Context) (TypeList, error)
	Count(ctx context.Context) (int, error)
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
}

// Writer is the exclusive mutation handle of a relation index. Mutations are
// staged in issue order and become visible to readers only on Commit.
type Writer interface {
	Insert(e Edge) error
	Update(e Edge) error
	Delete(k EdgeKey) error
	DeleteNode(n Node) error
	DeleteResource(resourceID string) error
	SetResource(resourceID string, edges []Edge) error
	Pending() int
	Commit(ctx context.Context) error
	Release()
}

// engine is the storage behind an Index. One implementation exists per channel.
// Apply is only ever called by the holder of the writer slot.
type engine interface {
	// view returns the indexed committed state.
	view(ctx context.Context) (*view, error)
	edges(ctx context.Context) (EdgeList, error)
	count(ctx context.Context) (int, error)
	// apply makes b durable and visible atomically, or leaves the committed
	// state untouched and returns an error.
	apply(ctx context.Context, b *batch) error
	version() uint64
	close() error
}

// batch is a resolved commit: final puts and deletes against the committed state.
type batch struct {
	puts    []Edge
	deletes []EdgeKey
}

func (b *batch) size() int {
	return len(b.puts) + len(b.deletes)
}
