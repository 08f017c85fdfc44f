// Package vectorstore persists chunk embeddings with their documents and
// serves similarity search. Backends share one contract and are selected
// by configuration, never by caller code.
package vectorstore

import (
	"context"
	"math"
	"sort"

	"github.com/lucidrag/engine/types"
)

// Store is the vector store contract.
type Store interface {
	// Initialize creates a collection with a fixed vector dimension.
	// Idempotent; calling again with a different dimension on an
	// existing collection fails with DimensionMismatch.
	Initialize(ctx context.Context, collection string, dimension int) error

	// UpsertDocument registers or updates the document owning a chunk set.
	UpsertDocument(ctx context.Context, collection string, doc types.Document) error

	// HasDocument reports whether the document is already indexed.
	// The ingestion collaborator uses it to skip unchanged documents.
	HasDocument(ctx context.Context, collection, docID string) (bool, error)

	// DocumentHash returns the stored content hash of a document.
	// NotFound when the document is unknown.
	DocumentHash(ctx context.Context, collection, docID string) (string, error)

	// UpsertChunks writes a batch of chunks atomically. Every embedding
	// must match the collection dimension; InvalidEmbedding otherwise,
	// with no row written.
	UpsertChunks(ctx context.Context, collection string, chunks []types.Chunk) error

	// Search returns the topK chunks by descending cosine similarity,
	// ties broken by chunk ordinal ascending. docFilter, when non-empty,
	// restricts results to the given document ids.
	Search(ctx context.Context, collection string, queryEmbedding []float32, topK int, docFilter []string) ([]types.ScoredChunk, error)

	// ChunksByHash returns stored chunks keyed by content hash, for the
	// hashes that exist. A chunk whose hash already exists is never
	// re-embedded by the caller.
	ChunksByHash(ctx context.Context, collection string, contentHashes []string) (map[string]types.Chunk, error)

	// RemoveStaleChunks deletes the document's chunks whose content hash
	// is not in validHashes, cascading provenance first.
	RemoveStaleChunks(ctx context.Context, collection, docID string, validHashes []string) error

	// DeleteDocument removes a document with all its chunks and their
	// provenance.
	DeleteDocument(ctx context.Context, collection, docID string) error

	// DeleteCollection removes a collection wholesale.
	DeleteCollection(ctx context.Context, collection string) error

	// AllChunks returns every chunk of a collection, embeddings omitted.
	// The lexical index builder consumes this.
	AllChunks(ctx context.Context, collection string) ([]types.Chunk, error)

	// Count returns the chunk count of a collection.
	Count(ctx context.Context, collection string) (int, error)

	// CachedSummary returns a synthesized answer cached under the hash
	// of the evidence chunk identity set, if present.
	CachedSummary(ctx context.Context, collection, evidenceHash string) (string, bool, error)

	// CacheSummary stores a synthesized answer under its evidence hash.
	CacheSummary(ctx context.Context, collection, evidenceHash, summary string) error

	// SetProvenanceDeleter registers the hook used to cascade-delete
	// graph provenance rows before chunks are removed.
	SetProvenanceDeleter(d ProvenanceDeleter)

	// Close releases backend resources.
	Close() error
}

// ProvenanceDeleter cascades chunk deletions into provenance rows. The
// graph store implements it; registration keeps the two stores decoupled.
type ProvenanceDeleter interface {
	DeleteChunkProvenance(ctx context.Context, chunkIDs []string) error
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortScored orders results by descending similarity, breaking ties by
// chunk ordinal ascending so rankings are deterministic.
func sortScored(results []types.ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
	})
}

// validateChunks checks a batch before any write. Returns a synchronous
// validation error; the batch is never partially applied.
func validateChunks(chunks []types.Chunk, dimension int) error {
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return types.NewErrorf(types.ErrInvalidEmbedding, "chunk %s has no embedding", c.ID)
		}
		if len(c.Embedding) != dimension {
			return types.NewErrorf(types.ErrInvalidEmbedding,
				"chunk %s embedding width %d does not match collection dimension %d",
				c.ID, len(c.Embedding), dimension)
		}
	}
	return nil
}

// cancelled maps a context error to the engine taxonomy.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrCancelled, "operation cancelled").WithCause(err)
	}
	return nil
}
