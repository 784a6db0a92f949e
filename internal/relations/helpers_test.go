package relations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

var channels = []Channel{ChannelStable, ChannelExperimental}

// forEachChannel runs fn once per storage engine.
func forEachChannel(t *testing.T, fn func(t *testing.T, ch Channel)) {
	t.Helper()
	for _, ch := range channels {
		t.Run(string(ch), func(t *testing.T) {
			fn(t, ch)
		})
	}
}

func openTestIndex(t *testing.T, ch Channel, opts ...Option) *Index {
	t.Helper()
	return openTestIndexAt(t, t.TempDir(), ch, opts...)
}

func openTestIndexAt(t *testing.T, dir string, ch Channel, opts ...Option) *Index {
	t.Helper()
	idx, err := Open(context.Background(), Config{Path: dir, Channel: ch}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func entity(v string) Node {
	return Node{Value: v, Type: NodeTypeEntity, Subtype: "PERSON"}
}

func edge(src Node, rel string, dst Node) Edge {
	return Edge{Source: src, Relation: rel, Target: dst}
}

// commitEdges inserts edges in one session and commits them.
func commitEdges(t *testing.T, idx *Index, edges ...Edge) {
	t.Helper()
	w, err := idx.AcquireWriter(context.Background())
	require.NoError(t, err)
	defer w.Release()
	for _, e := range edges {
		require.NoError(t, w.Insert(e))
	}
	require.NoError(t, w.Commit(context.Background()))
}

// commitWith runs fn in a writer session and commits.
func commitWith(t *testing.T, idx *Index, fn func(w *WriteSession)) {
	t.Helper()
	w, err := idx.AcquireWriter(context.Background())
	require.NoError(t, err)
	defer w.Release()
	fn(w)
	require.NoError(t, w.Commit(context.Background()))
}

func readEdges(t *testing.T, idx *Index) EdgeList {
	t.Helper()
	edges, err := idx.Reader().GetEdges(context.Background())
	require.NoError(t, err)
	return edges
}

func readCount(t *testing.T, idx *Index) int {
	t.Helper()
	n, err := idx.Reader().Count(context.Background())
	require.NoError(t, err)
	return n
}

// sampleGraph:
//
//	alice -knows-> bob -knows-> carol -knows-> dave
//	alice -works_at-> acme (ORG)
//	bob -tagged-> sports (LABEL)
func sampleGraph() []Edge {
	acme := Node{Value: "acme", Type: NodeTypeEntity, Subtype: "ORG"}
	sports := Node{Value: "sports", Type: NodeTypeLabel}
	return []Edge{
		edge(entity("alice"), "knows", entity("bob")),
		edge(entity("bob"), "knows", entity("carol")),
		edge(entity("carol"), "knows", entity("dave")),
		edge(entity("alice"), "works_at", acme),
		edge(entity("bob"), "tagged", sports),
	}
}
