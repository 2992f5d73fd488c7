package store

import (
	"context"
	"errors"
)

// ErrVectorMemoryDisabled is returned by disabledVectorMemory's methods.
var ErrVectorMemoryDisabled = errors.New("vector memory disabled: no cgo sqlite-vec extension")

// disabledVectorMemory is the no-op VectorMemory used whenever the vec0
// extension could not be loaded. Callers should check Enabled() before
// treating its errors as failures.
type disabledVectorMemory struct{}

func (d *disabledVectorMemory) Put(context.Context, string, []float32, string) error {
	return ErrVectorMemoryDisabled
}

func (d *disabledVectorMemory) Query(context.Context, []float32, int) ([]string, error) {
	return nil, ErrVectorMemoryDisabled
}

func (d *disabledVectorMemory) Enabled() bool { return false }

func (d *disabledVectorMemory) Close() error { return nil }
