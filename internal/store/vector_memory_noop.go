//go:build !sqlite_vec || !cgo

package store

// NewVectorMemory returns a disabled VectorMemory when this binary was
// built without cgo and the sqlite_vec build tag. The vec0 virtual table
// is a C extension and cannot be loaded through modernc.org/sqlite's
// pure-Go driver; rather than fail orchestrator startup over an optional
// collaborator, vector memory degrades to disabled, mirroring the
// teacher's "continuing without ANN search" fallback in
// internal/store/local_core.go.
func NewVectorMemory(path string, dim int) (VectorMemory, error) {
	return &disabledVectorMemory{}, nil
}
