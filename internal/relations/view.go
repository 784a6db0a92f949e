package relations

import (
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
)

// view is an immutable, fully indexed image of one committed edge set.
// Edge positions and node ids are assigned in canonical order, so iterating a
// bitmap of positions or ids yields sorted results.
type view struct {
	version uint64

	edges     EdgeList
	positions map[EdgeKey]uint32

	nodes   []Node
	nodeIDs map[Node]uint32
	out     [][]uint32 // node id -> positions of edges leaving it
	in      [][]uint32 // node id -> positions of edges entering it

	byRelation   map[string]*roaring.Bitmap
	bySourceType map[NodeTypeMember]*roaring.Bitmap
	byTargetType map[NodeTypeMember]*roaring.Bitmap
	byResource   map[string]*roaring.Bitmap

	types TypeList
}

func emptyView(version uint64) *view {
	return newView(version, nil)
}

// newView indexes edges. The input is not retained; duplicate identities keep
// the last occurrence.
func newView(version uint64, edges EdgeList) *view {
	sorted := make(EdgeList, len(edges))
	copy(sorted, edges)
	slices.SortStableFunc(sorted, func(a, b Edge) int { return compareKeys(a.Key(), b.Key()) })
	sorted = dedupeSorted(sorted)

	v := &view{
		version:      version,
		edges:        sorted,
		positions:    make(map[EdgeKey]uint32, len(sorted)),
		nodeIDs:      make(map[Node]uint32),
		byRelation:   make(map[string]*roaring.Bitmap),
		bySourceType: make(map[NodeTypeMember]*roaring.Bitmap),
		byTargetType: make(map[NodeTypeMember]*roaring.Bitmap),
		byResource:   make(map[string]*roaring.Bitmap),
	}

	for _, e := range sorted {
		v.nodeIDs[e.Source] = 0
		v.nodeIDs[e.Target] = 0
	}
	v.nodes = make([]Node, 0, len(v.nodeIDs))
	for n := range v.nodeIDs {
		v.nodes = append(v.nodes, n)
	}
	slices.SortFunc(v.nodes, compareNodes)
	for id, n := range v.nodes {
		v.nodeIDs[n] = uint32(id)
	}
	v.out = make([][]uint32, len(v.nodes))
	v.in = make([][]uint32, len(v.nodes))

	members := make(map[NodeTypeMember]struct{})
	for i, e := range sorted {
		pos := uint32(i)
		v.positions[e.Key()] = pos

		src, dst := v.nodeIDs[e.Source], v.nodeIDs[e.Target]
		v.out[src] = append(v.out[src], pos)
		v.in[dst] = append(v.in[dst], pos)

		bitmapFor(v.byRelation, e.Relation).Add(pos)
		bitmapFor(v.bySourceType, e.Source.member()).Add(pos)
		bitmapFor(v.byTargetType, e.Target.member()).Add(pos)
		members[e.Source.member()] = struct{}{}
		members[e.Target.member()] = struct{}{}

		if e.Metadata.ResourceID != "" {
			bitmapFor(v.byResource, e.Metadata.ResourceID).Add(pos)
		}
		if e.Source.Type == NodeTypeResource {
			bitmapFor(v.byResource, e.Source.Value).Add(pos)
		}
		if e.Target.Type == NodeTypeResource {
			bitmapFor(v.byResource, e.Target.Value).Add(pos)
		}
	}

	v.types.NodeTypes = make([]NodeTypeMember, 0, len(members))
	for m := range members {
		v.types.NodeTypes = append(v.types.NodeTypes, m)
	}
	slices.SortFunc(v.types.NodeTypes, compareMembers)

	v.types.RelationTypes = make([]string, 0, len(v.byRelation))
	for r := range v.byRelation {
		v.types.RelationTypes = append(v.types.RelationTypes, r)
	}
	slices.Sort(v.types.RelationTypes)

	return v
}

func bitmapFor[K comparable](m map[K]*roaring.Bitmap, k K) *roaring.Bitmap {
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	return bm
}

// dedupeSorted drops all but the last edge of every identity run.
func dedupeSorted(sorted EdgeList) EdgeList {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:0]
	for i, e := range sorted {
		if i+1 < len(sorted) && sorted[i+1].Key() == e.Key() {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (v *view) count() int {
	return len(v.edges)
}

func (v *view) lookup(k EdgeKey) (Edge, bool) {
	pos, ok := v.positions[k]
	if !ok {
		return Edge{}, false
	}
	return v.edges[pos], true
}

// edgeList returns a copy callers may keep and modify.
func (v *view) edgeList() EdgeList {
	return slices.Clone(v.edges)
}

func (v *view) typeList() TypeList {
	return TypeList{
		NodeTypes:     slices.Clone(v.types.NodeTypes),
		RelationTypes: slices.Clone(v.types.RelationTypes),
	}
}

// touching returns the positions of every edge with n as an endpoint.
func (v *view) touching(n Node) []uint32 {
	id, ok := v.nodeIDs[n]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(v.out[id])+len(v.in[id]))
	out = append(out, v.out[id]...)
	return append(out, v.in[id]...)
}

// ofResource returns the positions of every edge produced by or pointing at resource id.
func (v *view) ofResource(id string) []uint32 {
	bm, ok := v.byResource[id]
	if !ok {
		return nil
	}
	return bm.ToArray()
}

// withBatch returns the edge set that results from applying b.
func (v *view) withBatch(b *batch) EdgeList {
	drop := make(map[EdgeKey]struct{}, len(b.deletes)+len(b.puts))
	for _, k := range b.deletes {
		drop[k] = struct{}{}
	}
	for _, e := range b.puts {
		drop[e.Key()] = struct{}{}
	}

	next := make(EdgeList, 0, len(v.edges)+len(b.puts))
	for _, e := range v.edges {
		if _, ok := drop[e.Key()]; !ok {
			next = append(next, e)
		}
	}
	return append(next, b.puts...)
}
