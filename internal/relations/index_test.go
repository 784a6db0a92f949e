package relations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relerr "github.com/23skdu/relnode/internal/errors"
)

func TestIndex_InsertThenDelete(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		a, b := entity("A"), Node{Value: "B", Type: NodeTypeLabel}
		ab := edge(a, "knows", b)

		assert.Equal(t, 0, readCount(t, idx))
		commitEdges(t, idx, ab)

		assert.Equal(t, 1, readCount(t, idx))
		assert.Equal(t, EdgeList{ab}, readEdges(t, idx))

		types, err := idx.Reader().GetNodeTypes(context.Background())
		require.NoError(t, err)
		assert.Contains(t, types, a.member())
		assert.Contains(t, types, b.member())

		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Delete(ab.Key()))
		})
		assert.Equal(t, 0, readCount(t, idx))
		assert.Empty(t, readEdges(t, idx))
	})
}

func TestIndex_DuplicateInsert(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		ab := edge(entity("A"), "knows", entity("B"))

		commitEdges(t, idx, ab, ab)
		assert.Equal(t, 1, readCount(t, idx))

		// Again in a later commit.
		commitEdges(t, idx, ab)
		assert.Equal(t, 1, readCount(t, idx))
		assert.Equal(t, EdgeList{ab}, readEdges(t, idx))
	})
}

func TestIndex_DeleteMissingIsNoop(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		commitEdges(t, idx, sampleGraph()...)
		before := idx.Version()

		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Delete(EdgeKey{Source: entity("nobody"), Relation: "knows", Target: entity("bob")}))
			require.NoError(t, w.DeleteNode(entity("nobody")))
			require.NoError(t, w.DeleteResource("missing"))
		})

		assert.Equal(t, len(sampleGraph()), readCount(t, idx))
		assert.Equal(t, before, idx.Version(), "empty commit must not advance the version")
	})
}

func TestIndex_InsertKeepsUpdateReplaces(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		e := edge(entity("A"), "knows", entity("B"))
		e.Metadata = EdgeMetadata{Weight: 1, ParagraphID: "p1"}
		commitEdges(t, idx, e)

		again := e
		again.Metadata = EdgeMetadata{Weight: 2}
		commitEdges(t, idx, again)
		assert.Equal(t, e.Metadata, readEdges(t, idx)[0].Metadata)

		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Update(again))
		})
		got := readEdges(t, idx)
		require.Len(t, got, 1)
		assert.Equal(t, again.Metadata, got[0].Metadata)
	})
}

func TestIndex_OperationsApplyInOrder(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		ab := edge(entity("A"), "knows", entity("B"))
		cd := edge(entity("C"), "knows", entity("D"))
		commitEdges(t, idx, cd)

		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Insert(ab))
			require.NoError(t, w.Delete(ab.Key()))
			require.NoError(t, w.Delete(cd.Key()))
			require.NoError(t, w.Insert(cd))
			assert.Equal(t, 4, w.Pending())
		})

		assert.Equal(t, EdgeList{cd}, readEdges(t, idx))
	})
}

func TestIndex_VocabularyFollowsEdges(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		commitEdges(t, idx, sampleGraph()...)

		types, err := idx.Reader().GetTypes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []NodeTypeMember{
			{Type: NodeTypeEntity, Subtype: "ORG"},
			{Type: NodeTypeEntity, Subtype: "PERSON"},
			{Type: NodeTypeLabel},
		}, types.NodeTypes)
		assert.Equal(t, []string{"knows", "tagged", "works_at"}, types.RelationTypes)

		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Delete(sampleGraph()[4].Key()))
		})

		nodeTypes, err := idx.Reader().GetNodeTypes(context.Background())
		require.NoError(t, err)
		assert.NotContains(t, nodeTypes, NodeTypeMember{Type: NodeTypeLabel})
		relTypes, err := idx.Reader().GetRelationTypes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"knows", "works_at"}, relTypes)
	})
}

func TestIndex_DeleteNode(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		commitEdges(t, idx, sampleGraph()...)

		commitWith(t, idx, func(w *WriteSession) {
			// Staged in the same session; must be removed as well.
			require.NoError(t, w.Insert(edge(entity("zed"), "knows", entity("bob"))))
			require.NoError(t, w.DeleteNode(entity("bob")))
		})

		edges := readEdges(t, idx)
		for _, e := range edges {
			assert.False(t, e.Key().touches(entity("bob")), "edge %v still touches bob", e)
		}
		assert.Len(t, edges, 2)
	})
}

func TestIndex_Resources(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		doc := Node{Value: "doc-1", Type: NodeTypeResource}
		other := edge(entity("x"), "knows", entity("y"))

		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Insert(other))
			require.NoError(t, w.SetResource("doc-1", []Edge{
				edge(doc, "mentions", entity("alice")),
				edge(entity("alice"), "knows", entity("bob")),
			}))
		})
		require.Equal(t, 3, readCount(t, idx))
		for _, e := range readEdges(t, idx) {
			if e.Key() != other.Key() {
				assert.Equal(t, "doc-1", e.Metadata.ResourceID)
			}
		}

		// Replace: the alice-bob edge is dropped, a new one appears.
		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.SetResource("doc-1", []Edge{
				edge(doc, "mentions", entity("carol")),
			}))
		})
		edges := readEdges(t, idx)
		require.Len(t, edges, 2)
		assert.True(t, edges.Contains(other.Key()))
		assert.True(t, edges.Contains(EdgeKey{Source: doc, Relation: "mentions", Target: entity("carol")}))

		// An edge pointing at the resource node goes too.
		commitEdges(t, idx, edge(entity("dave"), "cites", doc))
		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.DeleteResource("doc-1"))
		})
		assert.Equal(t, EdgeList{other}, readEdges(t, idx))
	})
}

func TestIndex_DeleteResourceSeesEarlierUpdate(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		x := edge(entity("x"), "knows", entity("y"))
		x.Metadata.ResourceID = "r1"
		commitEdges(t, idx, x)

		moved := x
		moved.Metadata.ResourceID = "r2"
		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Update(moved))
			require.NoError(t, w.DeleteResource("r1"))
		})

		edges := readEdges(t, idx)
		require.Len(t, edges, 1)
		assert.Equal(t, "r2", edges[0].Metadata.ResourceID)

		// Moved back to r1 within the session, the delete applies to it.
		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Update(x))
			require.NoError(t, w.DeleteResource("r1"))
		})
		assert.Empty(t, readEdges(t, idx))
	})
}

func TestIndex_UncommittedInvisible(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		ab := edge(entity("A"), "knows", entity("B"))

		w, err := idx.AcquireWriter(context.Background())
		require.NoError(t, err)
		require.NoError(t, w.Insert(ab))
		assert.Equal(t, 0, readCount(t, idx))

		resp, err := idx.Reader().Search(context.Background(), &SearchRequest{Prefix: &PrefixSearch{Prefix: "a"}})
		require.NoError(t, err)
		assert.Empty(t, resp.Prefix.Nodes)

		w.Release()
		assert.Equal(t, 0, readCount(t, idx))

		// A fresh session does not inherit discarded operations.
		w, err = idx.AcquireWriter(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, w.Pending())
		require.NoError(t, w.Commit(context.Background()))
		w.Release()
		assert.Equal(t, 0, readCount(t, idx))
	})
}

func TestIndex_CountMatchesEdges(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		graph := sampleGraph()
		for i := range graph {
			commitEdges(t, idx, graph[:i+1]...)
			assert.Equal(t, len(readEdges(t, idx)), readCount(t, idx))
			assert.Equal(t, i+1, readCount(t, idx))
		}
	})
}

func TestIndex_ReopenPersists(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		dir := t.TempDir()
		idx, err := Open(context.Background(), Config{Path: dir, Channel: ch})
		require.NoError(t, err)

		graph := sampleGraph()
		graph[0].Metadata = EdgeMetadata{Weight: 0.5, ResourceID: "r", ParagraphID: "r/p/0-10"}
		commitEdges(t, idx, graph...)
		commitWith(t, idx, func(w *WriteSession) {
			require.NoError(t, w.Delete(graph[1].Key()))
		})
		want := readEdges(t, idx)
		require.NoError(t, idx.Close())

		reopened := openTestIndexAt(t, dir, ch)
		assert.Equal(t, want, readEdges(t, reopened))
		assert.Equal(t, len(want), readCount(t, reopened))
	})
}

func TestOpen_ChannelMismatch(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		dir := t.TempDir()
		idx, err := Open(context.Background(), Config{Path: dir, Channel: ch})
		require.NoError(t, err)
		commitEdges(t, idx, sampleGraph()...)
		require.NoError(t, idx.Close())

		other := ChannelExperimental
		if ch == ChannelExperimental {
			other = ChannelStable
		}
		_, err = Open(context.Background(), Config{Path: dir, Channel: other})
		require.Error(t, err)
		assert.True(t, relerr.IsConfiguration(err))
		assert.ErrorIs(t, err, relerr.ErrChannelMismatch)

		// The failed open left the index untouched.
		reopened := openTestIndexAt(t, dir, ch)
		assert.Equal(t, len(sampleGraph()), readCount(t, reopened))
	})
}

func TestOpen_InvalidConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	stray := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(stray, "data.bin"), []byte("x"), 0o644))

	corrupt := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, manifestFile), []byte("format: relnode-relations\nformat_version: abc\n"), 0o644))

	future := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(future, manifestFile),
		[]byte("format: relnode-relations\nformat_version: 99\nchannel: stable\n"), 0o644))

	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty path", Config{Channel: ChannelStable}},
		{"unknown channel", Config{Path: t.TempDir(), Channel: "nightly"}},
		{"path is a file", Config{Path: file, Channel: ChannelStable}},
		{"data without manifest", Config{Path: stray, Channel: ChannelStable}},
		{"corrupt manifest", Config{Path: corrupt, Channel: ChannelStable}},
		{"unsupported format version", Config{Path: future, Channel: ChannelStable}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := Open(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Nil(t, idx)
			assert.True(t, relerr.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestOpen_CreatesManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "shard")
	idx := openTestIndexAt(t, dir, ChannelExperimental)
	assert.Equal(t, Config{Path: dir, Channel: ChannelExperimental}, idx.Config())

	m, err := readManifest(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, manifestFormat, m.Format)
	assert.Equal(t, manifestVersion, m.FormatVersion)
	assert.Equal(t, ChannelExperimental, m.Channel)
	assert.NotEmpty(t, m.CreatedAt)
}

func TestIndex_WriterExclusivity(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)

		w1, err := idx.TryAcquireWriter()
		require.NoError(t, err)

		_, err = idx.TryAcquireWriter()
		require.Error(t, err)
		assert.True(t, relerr.IsConcurrency(err))
		assert.ErrorIs(t, err, relerr.ErrWriterBusy)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = idx.AcquireWriter(ctx)
		require.Error(t, err)
		assert.True(t, relerr.IsConcurrency(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		acquired := make(chan *WriteSession)
		go func() {
			w2, err := idx.AcquireWriter(context.Background())
			if err != nil {
				close(acquired)
				return
			}
			acquired <- w2
		}()

		select {
		case <-acquired:
			t.Fatal("second writer acquired while the first is held")
		case <-time.After(20 * time.Millisecond):
		}

		w1.Release()
		select {
		case w2, ok := <-acquired:
			require.True(t, ok)
			assert.NotEqual(t, w1.ID(), w2.ID())
			w2.Release()
		case <-time.After(5 * time.Second):
			t.Fatal("writer not handed over after release")
		}
	})
}

func TestIndex_SingleMutatorUnderContention(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)

		var active, maxActive atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				w, err := idx.AcquireWriter(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				defer w.Release()
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				assert.NoError(t, w.Insert(edge(entity("hub"), "links", entity(string(rune('a'+i))))))
				assert.NoError(t, w.Commit(context.Background()))
				active.Add(-1)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxActive.Load())
		assert.Equal(t, 8, readCount(t, idx))
	})
}

func TestWriteSession_Released(t *testing.T) {
	idx := openTestIndex(t, ChannelStable)
	w, err := idx.AcquireWriter(context.Background())
	require.NoError(t, err)
	w.Release()
	w.Release()

	ab := edge(entity("A"), "knows", entity("B"))
	for name, fn := range map[string]func() error{
		"insert":          func() error { return w.Insert(ab) },
		"update":          func() error { return w.Update(ab) },
		"delete":          func() error { return w.Delete(ab.Key()) },
		"delete_node":     func() error { return w.DeleteNode(ab.Source) },
		"delete_resource": func() error { return w.DeleteResource("r") },
		"set_resource":    func() error { return w.SetResource("r", []Edge{ab}) },
		"commit":          func() error { return w.Commit(context.Background()) },
	} {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.Error(t, err)
			assert.True(t, relerr.IsConcurrency(err))
			assert.ErrorIs(t, err, relerr.ErrWriterReleased)
		})
	}

	// The slot was freed exactly once.
	w2, err := idx.TryAcquireWriter()
	require.NoError(t, err)
	w2.Release()
}

func TestWriteSession_Validation(t *testing.T) {
	idx := openTestIndex(t, ChannelStable)
	w, err := idx.AcquireWriter(context.Background())
	require.NoError(t, err)
	defer w.Release()

	good := edge(entity("A"), "knows", entity("B"))
	tests := []struct {
		name string
		fn   func() error
	}{
		{"empty source value", func() error { return w.Insert(edge(Node{Type: NodeTypeEntity}, "knows", entity("B"))) }},
		{"empty target type", func() error { return w.Update(edge(entity("A"), "knows", Node{Value: "B"})) }},
		{"empty relation", func() error { return w.Delete(EdgeKey{Source: entity("A"), Target: entity("B")}) }},
		{"empty node", func() error { return w.DeleteNode(Node{}) }},
		{"empty resource", func() error { return w.DeleteResource("") }},
		{"set empty resource", func() error { return w.SetResource("", []Edge{good}) }},
		{"set with bad edge", func() error { return w.SetResource("r", []Edge{good, {Relation: "x"}}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.True(t, relerr.IsValidation(err), "got %v", err)
		})
	}
	assert.Equal(t, 0, w.Pending())
}

func TestIndex_AtomicVisibility(t *testing.T) {
	const (
		batches   = 20
		batchSize = 25
	)
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var torn atomic.Int32
		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ctx.Err() == nil {
					n, err := idx.Reader().Count(ctx)
					if err == nil && n%batchSize != 0 {
						torn.Add(1)
					}
					edges, err := idx.Reader().GetEdges(ctx)
					if err == nil && len(edges)%batchSize != 0 {
						torn.Add(1)
					}
				}
			}()
		}

		for b := 0; b < batches; b++ {
			w, err := idx.AcquireWriter(context.Background())
			require.NoError(t, err)
			for i := 0; i < batchSize; i++ {
				require.NoError(t, w.Insert(edge(entity("batch"), "has", entity(string(rune('A'+b))+"-"+string(rune('a'+i))))))
			}
			require.NoError(t, w.Commit(context.Background()))
			w.Release()
		}
		cancel()
		wg.Wait()

		assert.Zero(t, torn.Load(), "a reader observed a partial commit")
		assert.Equal(t, batches*batchSize, readCount(t, idx))
	})
}

func TestIndex_Close(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx, err := Open(context.Background(), Config{Path: t.TempDir(), Channel: ch})
		require.NoError(t, err)
		commitEdges(t, idx, sampleGraph()...)

		w, err := idx.AcquireWriter(context.Background())
		require.NoError(t, err)

		closed := make(chan error, 1)
		go func() { closed <- idx.Close() }()

		select {
		case <-closed:
			t.Fatal("Close returned while a writer was active")
		case <-time.After(20 * time.Millisecond):
		}
		w.Release()
		require.NoError(t, <-closed)
		require.NoError(t, idx.Close())

		_, err = idx.Reader().Count(context.Background())
		assert.True(t, relerr.IsStorage(err))
		assert.ErrorIs(t, err, relerr.ErrClosed)

		_, err = idx.Reader().Search(context.Background(), &SearchRequest{Prefix: &PrefixSearch{}})
		assert.ErrorIs(t, err, relerr.ErrClosed)

		_, err = idx.AcquireWriter(context.Background())
		assert.ErrorIs(t, err, relerr.ErrClosed)
	})
}

func TestIndex_CommitCanceled(t *testing.T) {
	forEachChannel(t, func(t *testing.T, ch Channel) {
		idx := openTestIndex(t, ch)
		w, err := idx.AcquireWriter(context.Background())
		require.NoError(t, err)
		defer w.Release()

		require.NoError(t, w.Insert(edge(entity("A"), "knows", entity("B"))))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = w.Commit(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))

		// Nothing applied, operations kept for a retry.
		assert.Equal(t, 0, readCount(t, idx))
		assert.Equal(t, 1, w.Pending())
		require.NoError(t, w.Commit(context.Background()))
		assert.Equal(t, 1, readCount(t, idx))
	})
}
