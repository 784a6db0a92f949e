package relations

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	relerr "github.com/23skdu/relnode/internal/errors"
	"github.com/23skdu/relnode/internal/metrics"
	"github.com/23skdu/relnode/internal/pool"
)

// MaxSubgraphDepth bounds SubgraphSearch.Depth.
const MaxSubgraphDepth = 8

// Direction restricts which edges a subgraph expansion follows.
type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// NodeFilter matches nodes by type. An empty Subtype matches every subtype.
type NodeFilter struct {
	Type    NodeType `json:"type" yaml:"type"`
	Subtype string   `json:"subtype,omitempty" yaml:"subtype,omitempty"`
}

func (f NodeFilter) matches(m NodeTypeMember) bool {
	return f.Type == m.Type && (f.Subtype == "" || f.Subtype == m.Subtype)
}

func matchesAny(filters []NodeFilter, m NodeTypeMember) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.matches(m) {
			return true
		}
	}
	return false
}

// PrefixSearch finds nodes whose value starts with Prefix, ignoring case.
type PrefixSearch struct {
	Prefix      string       `json:"prefix" yaml:"prefix"`
	NodeFilters []NodeFilter `json:"node_filters,omitempty" yaml:"node_filters,omitempty"`
	Limit       int          `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// SubgraphSearch expands breadth-first from EntryPoints for up to Depth hops.
type SubgraphSearch struct {
	EntryPoints   []Node    `json:"entry_points" yaml:"entry_points"`
	Depth         int       `json:"depth" yaml:"depth"`
	RelationTypes []string  `json:"relation_types,omitempty" yaml:"relation_types,omitempty"`
	Direction     Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	// ExcludedNodes are never traversed through; edges touching them are skipped.
	ExcludedNodes []Node `json:"excluded_nodes,omitempty" yaml:"excluded_nodes,omitempty"`
}

// EdgeFilter selects edges by relation type and endpoint types.
type EdgeFilter struct {
	RelationTypes []string     `json:"relation_types,omitempty" yaml:"relation_types,omitempty"`
	SourceTypes   []NodeFilter `json:"source_types,omitempty" yaml:"source_types,omitempty"`
	TargetTypes   []NodeFilter `json:"target_types,omitempty" yaml:"target_types,omitempty"`
	Limit         int          `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// SearchRequest is the query envelope accepted by every Reader. Each non-nil
// sub-query yields the matching section of the SearchResponse.
type SearchRequest struct {
	Prefix   *PrefixSearch   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Subgraph *SubgraphSearch `json:"subgraph,omitempty" yaml:"subgraph,omitempty"`
	Edges    *EdgeFilter     `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// PrefixResult lists matching nodes in (value, type, subtype) order.
type PrefixResult struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

// SubgraphResult holds the traversed edges and every node reached.
type SubgraphResult struct {
	Edges EdgeList `json:"edges" yaml:"edges"`
	Nodes []Node   `json:"nodes" yaml:"nodes"`
}

// EdgeResult holds edges matched by an EdgeFilter.
type EdgeResult struct {
	Edges EdgeList `json:"edges" yaml:"edges"`
}

// SearchResponse is the result envelope produced by every Reader.
type SearchResponse struct {
	Prefix   *PrefixResult   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Subgraph *SubgraphResult `json:"subgraph,omitempty" yaml:"subgraph,omitempty"`
	Edges    *EdgeResult     `json:"edges,omitempty" yaml:"edges,omitempty"`
}

func (r *SearchResponse) clone() *SearchResponse {
	out := &SearchResponse{}
	if r.Prefix != nil {
		out.Prefix = &PrefixResult{Nodes: slices.Clone(r.Prefix.Nodes)}
	}
	if r.Subgraph != nil {
		out.Subgraph = &SubgraphResult{
			Edges: slices.Clone(r.Subgraph.Edges),
			Nodes: slices.Clone(r.Subgraph.Nodes),
		}
	}
	if r.Edges != nil {
		out.Edges = &EdgeResult{Edges: slices.Clone(r.Edges.Edges)}
	}
	return out
}

// Validate checks the request shape. It does not consult the index.
func (r *SearchRequest) Validate() error {
	const op = "search"
	if r == nil || (r.Prefix == nil && r.Subgraph == nil && r.Edges == nil) {
		return relerr.NewValidationError(op, "request has no prefix, subgraph or edges query")
	}
	if r.Prefix != nil && r.Prefix.Limit < 0 {
		return relerr.NewValidationError(op, "prefix limit is negative")
	}
	if r.Edges != nil && r.Edges.Limit < 0 {
		return relerr.NewValidationError(op, "edges limit is negative")
	}
	if sg := r.Subgraph; sg != nil {
		if len(sg.EntryPoints) == 0 {
			return relerr.NewValidationError(op, "subgraph query has no entry points")
		}
		if sg.Depth < 1 || sg.Depth > MaxSubgraphDepth {
			return relerr.NewValidationError(op,
				fmt.Sprintf("subgraph depth %d outside [1, %d]", sg.Depth, MaxSubgraphDepth))
		}
		switch sg.Direction {
		case "", DirectionBoth, DirectionOutgoing, DirectionIncoming:
		default:
			return relerr.NewValidationError(op, fmt.Sprintf("unknown direction %q", sg.Direction))
		}
	}
	return nil
}

// hash identifies the request for the search cache. Every field is written
// length-prefixed so distinct requests cannot collide by concatenation.
func (r *SearchRequest) hash() uint64 {
	d := xxhash.New()
	var buf []byte
	str := func(s string) {
		buf = binary.AppendUvarint(buf[:0], uint64(len(s)))
		_, _ = d.Write(buf)
		_, _ = d.WriteString(s)
	}
	num := func(n int) {
		buf = binary.AppendVarint(buf[:0], int64(n))
		_, _ = d.Write(buf)
	}
	node := func(n Node) {
		str(n.Value)
		str(string(n.Type))
		str(n.Subtype)
	}
	filters := func(fs []NodeFilter) {
		num(len(fs))
		for _, f := range fs {
			str(string(f.Type))
			str(f.Subtype)
		}
	}
	strs := func(ss []string) {
		num(len(ss))
		for _, s := range ss {
			str(s)
		}
	}
	nodes := func(ns []Node) {
		num(len(ns))
		for _, n := range ns {
			node(n)
		}
	}

	if p := r.Prefix; p != nil {
		str("p")
		str(p.Prefix)
		filters(p.NodeFilters)
		num(p.Limit)
	}
	if sg := r.Subgraph; sg != nil {
		str("s")
		nodes(sg.EntryPoints)
		num(sg.Depth)
		strs(sg.RelationTypes)
		str(string(sg.Direction))
		nodes(sg.ExcludedNodes)
	}
	if ef := r.Edges; ef != nil {
		str("e")
		strs(ef.RelationTypes)
		filters(ef.SourceTypes)
		filters(ef.TargetTypes)
		num(ef.Limit)
	}
	return d.Sum64()
}

// search evaluates a validated request against v.
func (v *view) search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	resp := &SearchResponse{}
	if req.Prefix != nil {
		resp.Prefix = v.prefixSearch(req.Prefix)
	}
	if req.Subgraph != nil {
		sg, err := v.subgraphSearch(ctx, req.Subgraph)
		if err != nil {
			return nil, err
		}
		resp.Subgraph = sg
	}
	if req.Edges != nil {
		resp.Edges = v.edgeSearch(req.Edges)
	}
	return resp, nil
}

func (v *view) prefixSearch(q *PrefixSearch) *PrefixResult {
	prefix := strings.ToLower(q.Prefix)
	out := make([]Node, 0)
	for _, n := range v.nodes {
		if !strings.HasPrefix(strings.ToLower(n.Value), prefix) {
			continue
		}
		if !matchesAny(q.NodeFilters, n.member()) {
			continue
		}
		out = append(out, n)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return &PrefixResult{Nodes: out}
}

func (v *view) edgeSearch(q *EdgeFilter) *EdgeResult {
	var sel *roaring.Bitmap
	intersect := func(bm *roaring.Bitmap) {
		if sel == nil {
			sel = bm
			return
		}
		sel = roaring.And(sel, bm)
	}

	if len(q.RelationTypes) > 0 {
		bms := make([]*roaring.Bitmap, 0, len(q.RelationTypes))
		for _, r := range q.RelationTypes {
			if bm, ok := v.byRelation[r]; ok {
				bms = append(bms, bm)
			}
		}
		intersect(roaring.FastOr(bms...))
	}
	if len(q.SourceTypes) > 0 {
		intersect(v.unionByType(v.bySourceType, q.SourceTypes))
	}
	if len(q.TargetTypes) > 0 {
		intersect(v.unionByType(v.byTargetType, q.TargetTypes))
	}

	out := make(EdgeList, 0)
	if sel == nil {
		out = append(out, v.edges...)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
		return &EdgeResult{Edges: out}
	}

	it := sel.Iterator()
	for it.HasNext() {
		out = append(out, v.edges[it.Next()])
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return &EdgeResult{Edges: out}
}

func (v *view) unionByType(idx map[NodeTypeMember]*roaring.Bitmap, filters []NodeFilter) *roaring.Bitmap {
	bms := make([]*roaring.Bitmap, 0)
	for _, m := range v.types.NodeTypes {
		if bm, ok := idx[m]; ok && matchesAny(filters, m) {
			bms = append(bms, bm)
		}
	}
	return roaring.FastOr(bms...)
}

func (v *view) subgraphSearch(ctx context.Context, q *SubgraphSearch) (*SubgraphResult, error) {
	excluded := pool.GetBitmap()
	defer pool.PutBitmap(excluded)
	for _, n := range q.ExcludedNodes {
		if id, ok := v.nodeIDs[n]; ok {
			excluded.Add(id)
		}
	}
	var rels map[string]struct{}
	if len(q.RelationTypes) > 0 {
		rels = make(map[string]struct{}, len(q.RelationTypes))
		for _, r := range q.RelationTypes {
			rels[r] = struct{}{}
		}
	}
	dir := q.Direction
	if dir == "" {
		dir = DirectionBoth
	}

	type reach struct {
		edges *roaring.Bitmap
		nodes *roaring.Bitmap
	}
	results := make([]reach, len(q.EntryPoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, entry := range q.EntryPoints {
		i := i
		id, ok := v.nodeIDs[entry]
		if !ok || excluded.Contains(id) {
			continue
		}
		g.Go(func() error {
			edges, nodes, err := v.expand(gctx, id, q.Depth, dir, rels, excluded)
			if err != nil {
				return err
			}
			results[i] = reach{edges: edges, nodes: nodes}
			return nil
		})
	}
	err := g.Wait()
	allEdges, allNodes := pool.GetBitmap(), pool.GetBitmap()
	defer pool.PutBitmaps(allEdges, allNodes)
	for _, r := range results {
		if r.edges == nil {
			continue
		}
		allEdges.Or(r.edges)
		allNodes.Or(r.nodes)
		pool.PutBitmaps(r.edges, r.nodes)
	}
	if err != nil {
		return nil, relerr.WrapStorageError(err, "search", "subgraph expansion aborted")
	}
	metrics.RelationSubgraphNodesVisited.Observe(float64(allNodes.GetCardinality()))

	out := &SubgraphResult{
		Edges: make(EdgeList, 0, allEdges.GetCardinality()),
		Nodes: make([]Node, 0, allNodes.GetCardinality()),
	}
	for _, pos := range allEdges.ToArray() {
		out.Edges = append(out.Edges, v.edges[pos])
	}
	for _, id := range allNodes.ToArray() {
		out.Nodes = append(out.Nodes, v.nodes[id])
	}
	return out, nil
}

// expand runs a bounded BFS from start and returns the traversed edge
// positions and reached node ids. Both bitmaps come from the pool.
func (v *view) expand(ctx context.Context, start uint32, depth int, dir Direction,
	rels map[string]struct{}, excluded *roaring.Bitmap) (*roaring.Bitmap, *roaring.Bitmap, error) {
	edges, visited := pool.GetBitmap(), pool.GetBitmap()
	visited.Add(start)
	frontier := []uint32{start}

	follow := func(pos, other uint32, next []uint32) []uint32 {
		e := v.edges[pos]
		if rels != nil {
			if _, ok := rels[e.Relation]; !ok {
				return next
			}
		}
		if excluded.Contains(other) {
			return next
		}
		edges.Add(pos)
		if visited.CheckedAdd(other) {
			next = append(next, other)
		}
		return next
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			pool.PutBitmaps(edges, visited)
			return nil, nil, err
		}
		var next []uint32
		for _, n := range frontier {
			if dir != DirectionIncoming {
				for _, pos := range v.out[n] {
					next = follow(pos, v.nodeIDs[v.edges[pos].Target], next)
				}
			}
			if dir != DirectionOutgoing {
				for _, pos := range v.in[n] {
					next = follow(pos, v.nodeIDs[v.edges[pos].Source], next)
				}
			}
		}
		frontier = next
	}
	return edges, visited, nil
}
