// Package pool recycles scratch bitmaps used while evaluating graph queries.
package pool

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

var bitmaps = sync.Pool{
	New: func() any {
		return roaring.New()
	},
}

// GetBitmap returns an empty bitmap. Hand it back with PutBitmap once nothing
// references it any more.
func GetBitmap() *roaring.Bitmap {
	return bitmaps.Get().(*roaring.Bitmap)
}

// PutBitmap clears bm and makes it available to GetBitmap. Nil is ignored.
func PutBitmap(bm *roaring.Bitmap) {
	if bm == nil {
		return
	}
	bm.Clear()
	bitmaps.Put(bm)
}

// PutBitmaps returns every non-nil bitmap in bms.
func PutBitmaps(bms ...*roaring.Bitmap) {
	for _, bm := range bms {
		PutBitmap(bm)
	}
}
