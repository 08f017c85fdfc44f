// Package graphstore persists knowledge-graph entities, relationships,
// their chunk-level provenance, and hierarchical communities. It shares
// chunk identifiers with the vector store but is otherwise independent
// of it.
package graphstore

import (
	"context"

	"github.com/lucidrag/engine/types"
)

// EntityUpsert is one observed entity with the chunks that mentioned it.
type EntityUpsert struct {
	Name        string
	Type        string
	Description string
	ChunkIDs    []string
}

// RelationshipUpsert is one observed relationship with its provenance.
type RelationshipUpsert struct {
	SourceEntityID string
	TargetEntityID string
	Type           string
	Description    string
	ChunkIDs       []string
}

// Store is the knowledge-graph store contract. Every operation is scoped
// to a tenant.
type Store interface {
	// UpsertEntity normalizes the name and inserts or increments: an
	// existing entity (same tenant, same normalized name) gains
	// MentionCount by the number of newly observed chunk mentions, and
	// its description is only overwritten when the incoming one is
	// non-empty. Mentions are written as a single batched upsert.
	UpsertEntity(ctx context.Context, tenant types.TenantID, up EntityUpsert) (types.Entity, error)

	// UpsertRelationship is keyed by (source, target, type); repeated
	// observation increments Weight rather than creating a parallel
	// edge. Mentions are batched like entity mentions.
	UpsertRelationship(ctx context.Context, tenant types.TenantID, up RelationshipUpsert) (types.Relationship, error)

	// EntityByName resolves an entity by (tenant, normalized name).
	EntityByName(ctx context.Context, tenant types.TenantID, name string) (types.Entity, error)

	// EntitiesForChunk returns the entities mentioned in a chunk.
	// Index lookup, not a scan.
	EntitiesForChunk(ctx context.Context, chunkID string) ([]types.Entity, error)

	// ChunksForEntity returns the provenance of an entity: which chunks
	// mentioned it and how often. Index lookup, not a scan.
	ChunksForEntity(ctx context.Context, entityID string) ([]types.EntityMention, error)

	// Neighborhood returns the bounded graph context around a chunk set:
	// seed entities mentioned in the chunks plus entities reachable
	// within maxDepth hops, capped at maxEntities, with the connecting
	// relationships.
	Neighborhood(ctx context.Context, tenant types.TenantID, chunkIDs []string, maxDepth, maxEntities int) (types.Neighborhood, error)

	// UpsertCommunity persists a community and its membership set.
	// Assignment is write-only from the caller's perspective; the
	// clustering algorithm is external.
	UpsertCommunity(ctx context.Context, community types.Community) error

	// UpdateCommunitySummary replaces a community's summary by id.
	UpdateCommunitySummary(ctx context.Context, communityID, summary string) error

	// CommunitiesAtLevel returns the tenant's communities at one
	// hierarchy level.
	CommunitiesAtLevel(ctx context.Context, tenant types.TenantID, level int) ([]types.Community, error)

	// DeleteChunkProvenance removes all mention rows referencing the
	// given chunks. The vector store calls this through its cascade
	// hook before deleting chunks.
	DeleteChunkProvenance(ctx context.Context, chunkIDs []string) error

	// Close releases backend resources.
	Close() error
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrCancelled, "operation cancelled").WithCause(err)
	}
	return nil
}
