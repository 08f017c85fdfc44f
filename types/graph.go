package types

// Entity is a deduplicated knowledge-graph node. NormalizedName is the
// per-tenant deduplication key: differently cased or punctuated mentions
// of the same name resolve to one Entity.
type Entity struct {
	ID             string   `json:"id"`
	TenantID       TenantID `json:"tenant_id"`
	Name           string   `json:"name"`
	NormalizedName string   `json:"normalized_name"`
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	MentionCount   int64    `json:"mention_count"`
}

// EntityMention records that a chunk mentioned an entity. At most one row
// exists per (entity, chunk) pair; re-observation increments Count.
type EntityMention struct {
	EntityID string `json:"entity_id"`
	ChunkID  string `json:"chunk_id"`
	Count    int64  `json:"count"`
}

// Relationship is a weighted edge between two entities, unique per
// (source, target, type). Repeated observation increases Weight.
type Relationship struct {
	ID             string   `json:"id"`
	TenantID       TenantID `json:"tenant_id"`
	SourceEntityID string   `json:"source_entity_id"`
	TargetEntityID string   `json:"target_entity_id"`
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	Weight         float64  `json:"weight"`
}

// RelationshipMention is chunk-level provenance for a relationship.
type RelationshipMention struct {
	RelationshipID string `json:"relationship_id"`
	ChunkID        string `json:"chunk_id"`
	Count          int64  `json:"count"`
}

// Community is a hierarchical cluster of entities. Membership is a set;
// the clustering algorithm itself is external.
type Community struct {
	ID        string   `json:"id"`
	TenantID  TenantID `json:"tenant_id"`
	Level     int      `json:"level"`
	Summary   string   `json:"summary,omitempty"`
	EntityIDs []string `json:"entity_ids"`
}

// Neighborhood is the bounded graph context around a set of chunks:
// the entities they mention plus directly related entities and edges.
type Neighborhood struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}
