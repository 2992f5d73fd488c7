package store

import "context"

// VectorMemory is the optional persistent vector memory collaborator
// (spec §1: "behind a key/value put/query interface"). The executor may
// consult it when expanding a planning task's context; its absence is
// never fatal to job execution — NewVectorMemory degrades gracefully
// when the sqlite-vec extension is unavailable, the same way the
// teacher's LocalStore continues without ANN search when its vec0
// extension can't be loaded (internal/store/local_core.go).
type VectorMemory interface {
	// Put stores or replaces the embedding and payload for key.
	Put(ctx context.Context, key string, embedding []float32, payload string) error
	// Query returns the topK payloads whose embeddings are nearest to
	// query, nearest first.
	Query(ctx context.Context, query []float32, topK int) ([]string, error)
	Enabled() bool
	Close() error
}
