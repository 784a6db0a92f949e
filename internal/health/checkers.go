package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// EdgeCounter is the part of a relation reader the index checker needs.
type EdgeCounter interface {
	Count(ctx context.Context) (int, error)
}

// IndexChecker reports a relation index healthy while it can be read.
type IndexChecker struct {
	name    string
	reader  EdgeCounter
	slowAt  time.Duration
	timeout time.Duration
}

// NewIndexChecker checks reader. Reads slower than slowAt are reported as degraded.
func NewIndexChecker(name string, reader EdgeCounter, slowAt time.Duration) *IndexChecker {
	return &IndexChecker{name: name, reader: reader, slowAt: slowAt, timeout: 5 * time.Second}
}

func (ic *IndexChecker) Name() string {
	return ic.name
}

func (ic *IndexChecker) Check(ctx context.Context) *ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, ic.timeout)
	defer cancel()

	start := time.Now()
	n, err := ic.reader.Count(ctx)
	duration := time.Since(start)

	h := &ComponentHealth{
		Name:        ic.name,
		Status:      StatusHealthy,
		Message:     "index readable",
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"response_time_ms": duration.Milliseconds(),
		},
	}
	switch {
	case err != nil:
		h.Status = StatusUnhealthy
		h.Message = err.Error()
	case ic.slowAt > 0 && duration > ic.slowAt:
		h.Status = StatusDegraded
		h.Message = "index slow to respond"
		h.Metadata["edges"] = n
	default:
		h.Metadata["edges"] = n
	}
	return h
}

// StorageChecker checks that the data directory exists and accepts writes.
type StorageChecker struct {
	name string
	dir  string
}

func NewStorageChecker(dir string) *StorageChecker {
	return &StorageChecker{name: "storage", dir: dir}
}

func (sc *StorageChecker) Name() string {
	return sc.name
}

func (sc *StorageChecker) Check(context.Context) *ComponentHealth {
	h := &ComponentHealth{
		Name:        sc.name,
		Status:      StatusHealthy,
		Message:     "data directory writable",
		LastChecked: time.Now(),
		Metadata:    map[string]interface{}{"path": sc.dir},
	}

	info, err := os.Stat(sc.dir)
	if err == nil && !info.IsDir() {
		err = errors.New("not a directory")
	}
	if err == nil {
		err = probeWrite(sc.dir)
	}
	if err != nil {
		h.Status = StatusUnhealthy
		h.Message = err.Error()
	}
	return h
}

func probeWrite(dir string) error {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Remove(filepath.Clean(name))
}
