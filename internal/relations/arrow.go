package relations

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// Column layout of the Arrow representation of an edge list. Relation and
// node type columns are dictionary encoded; their vocabularies are small.
const (
	colSourceValue   = "source_value"
	colSourceType    = "source_type"
	colSourceSubtype = "source_subtype"
	colRelation      = "relation"
	colTargetValue   = "target_value"
	colTargetType    = "target_type"
	colTargetSubtype = "target_subtype"
	colWeight        = "weight"
	colResourceID    = "resource_id"
	colParagraphID   = "paragraph_id"
)

var dictString = &arrow.DictionaryType{
	IndexType: arrow.PrimitiveTypes.Int32,
	ValueType: arrow.BinaryTypes.String,
}

// EdgeSchema is the schema produced by EdgeList.ToArrow.
var EdgeSchema = arrow.NewSchema([]arrow.Field{
	{Name: colSourceValue, Type: arrow.BinaryTypes.String},
	{Name: colSourceType, Type: dictString},
	{Name: colSourceSubtype, Type: arrow.BinaryTypes.String},
	{Name: colRelation, Type: dictString},
	{Name: colTargetValue, Type: arrow.BinaryTypes.String},
	{Name: colTargetType, Type: dictString},
	{Name: colTargetSubtype, Type: arrow.BinaryTypes.String},
	{Name: colWeight, Type: arrow.PrimitiveTypes.Float32},
	{Name: colResourceID, Type: arrow.BinaryTypes.String},
	{Name: colParagraphID, Type: arrow.BinaryTypes.String},
}, nil)

// ToArrow converts the list to a record batch. The caller owns the record and
// must Release it.
func (l EdgeList) ToArrow(mem memory.Allocator) arrow.Record { //nolint:staticcheck
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	str := func(get func(Edge) string) arrow.Array {
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.Reserve(len(l))
		for _, e := range l {
			b.Append(get(e))
		}
		return b.NewArray()
	}

	cols := []arrow.Array{
		str(func(e Edge) string { return e.Source.Value }),
		dictColumn(mem, l, func(e Edge) string { return string(e.Source.Type) }),
		str(func(e Edge) string { return e.Source.Subtype }),
		dictColumn(mem, l, func(e Edge) string { return e.Relation }),
		str(func(e Edge) string { return e.Target.Value }),
		dictColumn(mem, l, func(e Edge) string { return string(e.Target.Type) }),
		str(func(e Edge) string { return e.Target.Subtype }),
		weightColumn(mem, l),
		str(func(e Edge) string { return e.Metadata.ResourceID }),
		str(func(e Edge) string { return e.Metadata.ParagraphID }),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(EdgeSchema, cols, int64(len(l))) //nolint:staticcheck
}

func dictColumn(mem memory.Allocator, l EdgeList, get func(Edge) string) arrow.Array {
	toIdx := make(map[string]int32)

	dictBuilder := array.NewStringBuilder(mem)
	defer dictBuilder.Release()
	indexBuilder := array.NewInt32Builder(mem)
	defer indexBuilder.Release()
	indexBuilder.Reserve(len(l))

	for _, e := range l {
		v := get(e)
		idx, ok := toIdx[v]
		if !ok {
			idx = int32(len(toIdx))
			toIdx[v] = idx
			dictBuilder.Append(v)
		}
		indexBuilder.Append(idx)
	}

	dictArr := dictBuilder.NewArray()
	defer dictArr.Release()
	indexArr := indexBuilder.NewArray()
	defer indexArr.Release()

	return array.NewDictionaryArray(dictString, indexArr, dictArr)
}

func weightColumn(mem memory.Allocator, l EdgeList) arrow.Array {
	b := array.NewFloat32Builder(mem)
	defer b.Release()
	b.Reserve(len(l))
	for _, e := range l {
		b.Append(e.Metadata.Weight)
	}
	return b.NewArray()
}

// EdgesFromArrow decodes a record produced by ToArrow. String columns may be
// either plain or dictionary encoded. The result does not reference rec.
func EdgesFromArrow(rec arrow.Record) (EdgeList, error) { //nolint:staticcheck
	schema := rec.Schema()
	col := func(name string) (arrow.Array, error) {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("edge record: missing column %q", name)
		}
		return rec.Column(idx[0]), nil
	}

	names := []string{
		colSourceValue, colSourceType, colSourceSubtype, colRelation,
		colTargetValue, colTargetType, colTargetSubtype, colWeight,
		colResourceID, colParagraphID,
	}
	cols := make(map[string]arrow.Array, len(names))
	for _, n := range names {
		c, err := col(n)
		if err != nil {
			return nil, err
		}
		cols[n] = c
	}

	weights, ok := cols[colWeight].(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("edge record: column %q is %s, want float32", colWeight, cols[colWeight].DataType())
	}

	n := int(rec.NumRows())
	out := make(EdgeList, n)
	for i := 0; i < n; i++ {
		var vals [9]string
		for j, name := range []string{
			colSourceValue, colSourceType, colSourceSubtype, colRelation,
			colTargetValue, colTargetType, colTargetSubtype, colResourceID, colParagraphID,
		} {
			s, err := stringAt(cols[name], i)
			if err != nil {
				return nil, fmt.Errorf("edge record: column %q: %w", name, err)
			}
			vals[j] = s
		}
		out[i] = Edge{
			Source:   Node{Value: vals[0], Type: NodeType(vals[1]), Subtype: vals[2]},
			Relation: vals[3],
			Target:   Node{Value: vals[4], Type: NodeType(vals[5]), Subtype: vals[6]},
			Metadata: EdgeMetadata{
				Weight:      weights.Value(i),
				ResourceID:  vals[7],
				ParagraphID: vals[8],
			},
		}
	}
	return out, nil
}

func stringAt(arr arrow.Array, i int) (string, error) {
	switch a := arr.(type) {
	case *array.String:
		return strings.Clone(a.Value(i)), nil
	case *array.Dictionary:
		dict, ok := a.Dictionary().(*array.String)
		if !ok {
			return "", fmt.Errorf("dictionary values are %s, want utf8", a.Dictionary().DataType())
		}
		return strings.Clone(dict.Value(a.GetValueIndex(i))), nil
	default:
		return "", fmt.Errorf("unsupported column type %s", arr.DataType())
	}
}
