package msreader

import (
	"context"
	"sync"

	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
)

// FakeMS is the in-memory metadata for one MS in FakeReader.
type FakeMS struct {
	Start, Mid, End float64
	Fields          []Field
	ModelPopulated  bool
}

// FakeReader is a deterministic, in-memory Reader used throughout the
// orchestrator's tests so they never touch real CASA tables.
type FakeReader struct {
	mu  sync.RWMutex
	ms  map[string]FakeMS
}

func NewFakeReader() *FakeReader {
	return &FakeReader{ms: make(map[string]FakeMS)}
}

func (f *FakeReader) Put(path string, ms FakeMS) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ms[path] = ms
}

func (f *FakeReader) get(path string) (FakeMS, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ms, ok := f.ms[path]
	if !ok {
		return FakeMS{}, errs.New(errs.NotFound, "ms not found: "+path)
	}
	return ms, nil
}

func (f *FakeReader) TimeRange(_ context.Context, path string) (float64, float64, float64, error) {
	ms, err := f.get(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return ms.Start, ms.Mid, ms.End, nil
}

func (f *FakeReader) Fields(_ context.Context, path string) ([]Field, error) {
	ms, err := f.get(path)
	if err != nil {
		return nil, err
	}
	return ms.Fields, nil
}

func (f *FakeReader) MeanDeclination(_ context.Context, path string) (float64, error) {
	ms, err := f.get(path)
	if err != nil {
		return 0, err
	}
	if len(ms.Fields) == 0 {
		// spec §4.2 names a distinct NoFieldTable error; §7's closed
		// taxonomy has no such kind, so it is classified Corrupt (a
		// missing field table makes the MS malformed for our purposes).
		return 0, errs.New(errs.Corrupt, "no field table for "+path)
	}
	var sum float64
	for _, fl := range ms.Fields {
		sum += fl.DecDeg
	}
	return sum / float64(len(ms.Fields)), nil
}

func (f *FakeReader) HasPopulatedModel(_ context.Context, path string) (bool, error) {
	ms, err := f.get(path)
	if err != nil {
		return false, err
	}
	return ms.ModelPopulated, nil
}
