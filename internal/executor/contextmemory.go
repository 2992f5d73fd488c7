package executor

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// VectorDim is the fixed dimension of the hashed bag-of-words embeddings
// the executor stores alongside each job request. It is not a learned
// embedding model: the optional vector-memory collaborator (spec §1's
// "persistent vector memory... behind a key/value put/query interface")
// needs real fixed-dimension vectors to index and query against, and the
// orchestrator has no LLM embedding call of its own to produce them.
const VectorDim = 32

// relatedContext queries the vector memory for prior job requests similar
// to text, returning their stored payloads joined for inclusion in a new
// planning task's description. Returns "" whenever vector memory is nil,
// disabled, or empty.
func (e *Executor) relatedContext(ctx context.Context, text string) string {
	if e.vectorMemory == nil || !e.vectorMemory.Enabled() {
		return ""
	}
	payloads, err := e.vectorMemory.Query(ctx, embedText(text), 3)
	if err != nil || len(payloads) == 0 {
		return ""
	}
	return strings.Join(payloads, "\n---\n")
}

// indexJobContext stores text's embedding under jobID so future jobs can
// retrieve it via relatedContext. Best-effort: failures are not
// propagated since this collaborator is optional.
func (e *Executor) indexJobContext(ctx context.Context, jobID, text string) {
	if e.vectorMemory == nil || !e.vectorMemory.Enabled() {
		return
	}
	_ = e.vectorMemory.Put(ctx, jobID, embedText(text), text)
}

// embedText derives a deterministic, unit-normalized bag-of-words vector
// from text by hashing each token into one of VectorDim buckets. Distinct
// requests sharing vocabulary land closer together under cosine/L2
// distance, which is all the vector-memory collaborator needs to surface
// related prior jobs.
func embedText(text string) []float32 {
	v := make([]float32, VectorDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32() % uint32(VectorDim))
		v[idx]++
	}

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(1 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
	return v
}
