package graphstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucidrag/engine/types"
)

// relKey uniquely identifies an edge within a tenant.
type relKey struct {
	source, target, relType string
}

// MemoryStore is the ephemeral graph backend.
type MemoryStore struct {
	mu sync.RWMutex

	entities        map[string]*types.Entity             // id -> entity
	entityByNorm    map[types.TenantID]map[string]string // tenant -> normalized name -> id
	mentions        map[string]map[string]int64          // entity id -> chunk id -> count
	mentionsByChunk map[string]map[string]struct{}       // chunk id -> entity ids

	relationships map[string]*types.Relationship       // id -> relationship
	relByKey      map[types.TenantID]map[relKey]string // tenant -> key -> id
	relMentions   map[string]map[string]int64          // relationship id -> chunk id -> count
	relsByEntity  map[string]map[string]struct{}       // entity id -> relationship ids

	communities map[string]*types.Community

	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		entities:        make(map[string]*types.Entity),
		entityByNorm:    make(map[types.TenantID]map[string]string),
		mentions:        make(map[string]map[string]int64),
		mentionsByChunk: make(map[string]map[string]struct{}),
		relationships:   make(map[string]*types.Relationship),
		relByKey:        make(map[types.TenantID]map[relKey]string),
		relMentions:     make(map[string]map[string]int64),
		relsByEntity:    make(map[string]map[string]struct{}),
		communities:     make(map[string]*types.Community),
		logger:          logger.With(zap.String("component", "memory_graph_store")),
	}
}

// UpsertEntity inserts or increments by normalized name.
func (s *MemoryStore) UpsertEntity(ctx context.Context, tenant types.TenantID, up EntityUpsert) (types.Entity, error) {
	if err := cancelled(ctx); err != nil {
		return types.Entity{}, err
	}
	norm := NormalizeName(up.Name)

	s.mu.Lock()
	defer s.mu.Unlock()

	byNorm, ok := s.entityByNorm[tenant]
	if !ok {
		byNorm = make(map[string]string)
		s.entityByNorm[tenant] = byNorm
	}

	var e *types.Entity
	if id, ok := byNorm[norm]; ok {
		e = s.entities[id]
		e.MentionCount += int64(len(up.ChunkIDs))
		if up.Description != "" {
			e.Description = up.Description
		}
	} else {
		e = &types.Entity{
			ID:             uuid.NewString(),
			TenantID:       tenant,
			Name:           up.Name,
			NormalizedName: norm,
			Type:           up.Type,
			Description:    up.Description,
			MentionCount:   int64(len(up.ChunkIDs)),
		}
		s.entities[e.ID] = e
		byNorm[norm] = e.ID
	}

	s.recordMentionsLocked(s.mentions, e.ID, up.ChunkIDs)
	for _, chunkID := range up.ChunkIDs {
		set, ok := s.mentionsByChunk[chunkID]
		if !ok {
			set = make(map[string]struct{})
			s.mentionsByChunk[chunkID] = set
		}
		set[e.ID] = struct{}{}
	}
	return *e, nil
}

// UpsertRelationship inserts or increments by (source, target, type).
func (s *MemoryStore) UpsertRelationship(ctx context.Context, tenant types.TenantID, up RelationshipUpsert) (types.Relationship, error) {
	if err := cancelled(ctx); err != nil {
		return types.Relationship{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[up.SourceEntityID]; !ok {
		return types.Relationship{}, types.NewErrorf(types.ErrNotFound, "unknown source entity %s", up.SourceEntityID)
	}
	if _, ok := s.entities[up.TargetEntityID]; !ok {
		return types.Relationship{}, types.NewErrorf(types.ErrNotFound, "unknown target entity %s", up.TargetEntityID)
	}

	byKey, ok := s.relByKey[tenant]
	if !ok {
		byKey = make(map[relKey]string)
		s.relByKey[tenant] = byKey
	}
	key := relKey{source: up.SourceEntityID, target: up.TargetEntityID, relType: up.Type}

	var r *types.Relationship
	if id, ok := byKey[key]; ok {
		r = s.relationships[id]
		r.Weight++
		if up.Description != "" {
			r.Description = up.Description
		}
	} else {
		r = &types.Relationship{
			ID:             uuid.NewString(),
			TenantID:       tenant,
			SourceEntityID: up.SourceEntityID,
			TargetEntityID: up.TargetEntityID,
			Type:           up.Type,
			Description:    up.Description,
			Weight:         1,
		}
		s.relationships[r.ID] = r
		byKey[key] = r.ID
		for _, eid := range []string{up.SourceEntityID, up.TargetEntityID} {
			set, ok := s.relsByEntity[eid]
			if !ok {
				set = make(map[string]struct{})
				s.relsByEntity[eid] = set
			}
			set[r.ID] = struct{}{}
		}
	}

	s.recordMentionsLocked(s.relMentions, r.ID, up.ChunkIDs)
	return *r, nil
}

func (s *MemoryStore) recordMentionsLocked(table map[string]map[string]int64, ownerID string, chunkIDs []string) {
	counts, ok := table[ownerID]
	if !ok {
		counts = make(map[string]int64)
		table[ownerID] = counts
	}
	for _, chunkID := range chunkIDs {
		counts[chunkID]++
	}
}

// EntityByName resolves an entity by (tenant, normalized name).
func (s *MemoryStore) EntityByName(ctx context.Context, tenant types.TenantID, name string) (types.Entity, error) {
	if err := cancelled(ctx); err != nil {
		return types.Entity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	norm := NormalizeName(name)
	if byNorm, ok := s.entityByNorm[tenant]; ok {
		if id, ok := byNorm[norm]; ok {
			return *s.entities[id], nil
		}
	}
	return types.Entity{}, types.NewErrorf(types.ErrNotFound, "unknown entity %q", name)
}

// EntitiesForChunk returns the entities mentioned in a chunk.
func (s *MemoryStore) EntitiesForChunk(ctx context.Context, chunkID string) ([]types.Entity, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Entity
	for id := range s.mentionsByChunk[chunkID] {
		if e, ok := s.entities[id]; ok {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ChunksForEntity returns the entity's provenance rows.
func (s *MemoryStore) ChunksForEntity(ctx context.Context, entityID string) ([]types.EntityMention, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := s.mentions[entityID]
	out := make([]types.EntityMention, 0, len(counts))
	for chunkID, count := range counts {
		out = append(out, types.EntityMention{EntityID: entityID, ChunkID: chunkID, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

// Neighborhood traverses outward from the entities mentioned in the
// given chunks, bounded by depth and entity count.
func (s *MemoryStore) Neighborhood(ctx context.Context, tenant types.TenantID, chunkIDs []string, maxDepth, maxEntities int) (types.Neighborhood, error) {
	if err := cancelled(ctx); err != nil {
		return types.Neighborhood{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var frontier []string
	for _, chunkID := range chunkIDs {
		for eid := range s.mentionsByChunk[chunkID] {
			if e, ok := s.entities[eid]; !ok || e.TenantID != tenant {
				continue
			}
			if _, ok := seen[eid]; !ok {
				seen[eid] = struct{}{}
				frontier = append(frontier, eid)
			}
		}
	}
	sort.Strings(frontier)

	var nb types.Neighborhood
	relSeen := make(map[string]struct{})

	appendEntity := func(id string) {
		nb.Entities = append(nb.Entities, *s.entities[id])
	}
	for _, id := range frontier {
		if maxEntities > 0 && len(nb.Entities) >= maxEntities {
			break
		}
		appendEntity(id)
	}

	for depth := 0; depth < maxDepth; depth++ {
		if maxEntities > 0 && len(nb.Entities) >= maxEntities {
			break
		}
		var next []string
		for _, eid := range frontier {
			relIDs := make([]string, 0, len(s.relsByEntity[eid]))
			for rid := range s.relsByEntity[eid] {
				relIDs = append(relIDs, rid)
			}
			sort.Strings(relIDs)
			for _, rid := range relIDs {
				r := s.relationships[rid]
				if _, ok := relSeen[rid]; !ok {
					relSeen[rid] = struct{}{}
					nb.Relationships = append(nb.Relationships, *r)
				}
				for _, other := range []string{r.SourceEntityID, r.TargetEntityID} {
					if _, ok := seen[other]; ok {
						continue
					}
					seen[other] = struct{}{}
					if maxEntities > 0 && len(nb.Entities) >= maxEntities {
						continue
					}
					appendEntity(other)
					next = append(next, other)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	return nb, nil
}

// UpsertCommunity persists a community and its membership set.
func (s *MemoryStore) UpsertCommunity(ctx context.Context, community types.Community) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if community.ID == "" {
		community.ID = uuid.NewString()
	}
	// Membership is a set; deduplicate whatever order the caller sent.
	members := make(map[string]struct{}, len(community.EntityIDs))
	ids := community.EntityIDs[:0]
	for _, id := range community.EntityIDs {
		if _, ok := members[id]; !ok {
			members[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	community.EntityIDs = ids
	c := community
	s.communities[c.ID] = &c
	return nil
}

// UpdateCommunitySummary replaces a community's summary by id.
func (s *MemoryStore) UpdateCommunitySummary(ctx context.Context, communityID, summary string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.communities[communityID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "unknown community %s", communityID)
	}
	c.Summary = summary
	return nil
}

// CommunitiesAtLevel returns the tenant's communities at one level.
func (s *MemoryStore) CommunitiesAtLevel(ctx context.Context, tenant types.TenantID, level int) ([]types.Community, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Community
	for _, c := range s.communities {
		if c.TenantID == tenant && c.Level == level {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteChunkProvenance removes all mention rows for the given chunks.
// Entity mention counts are historical observation totals and are not
// decremented.
func (s *MemoryStore) DeleteChunkProvenance(ctx context.Context, chunkIDs []string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunkID := range chunkIDs {
		for eid := range s.mentionsByChunk[chunkID] {
			delete(s.mentions[eid], chunkID)
		}
		delete(s.mentionsByChunk, chunkID)
		for _, counts := range s.relMentions {
			delete(counts, chunkID)
		}
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
