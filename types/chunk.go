package types

// TenantID partitions all store and cache state. No two tenants share
// evictable state or vector collections.
type TenantID string

// Chunk is the smallest retrievable unit of document text.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Ordinal     int       `json:"ordinal"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	ContentHash string    `json:"content_hash"`
	TokenCount  int       `json:"token_count"`

	// SalienceScore is a precomputed importance score supplied by the
	// ingestion collaborator (structural signals). Zero means unknown.
	SalienceScore float64 `json:"salience_score,omitempty"`

	// Metadata carries open-ended per-chunk annotations from surrounding
	// subsystems. Required fields never live here.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Document is the unit of ingestion. Chunks keep a non-owning back
// reference to DocumentID.
type Document struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Title       string `json:"title"`
	ContentHash string `json:"content_hash"`
}

// ScoredChunk is one ranked hit from a vector store search.
type ScoredChunk struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// SearchResult is one fused hit returned by hybrid search, optionally
// expanded with graph context.
type SearchResult struct {
	ChunkID         string         `json:"chunk_id"`
	DocumentID      string         `json:"document_id"`
	Text            string         `json:"text"`
	FusedScore      float64        `json:"fused_score"`
	DenseSimilarity float64        `json:"dense_similarity"`
	Entities        []Entity       `json:"entities,omitempty"`
	Relationships   []Relationship `json:"relationships,omitempty"`
}
