package graphstore

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lucidrag/engine/types"
)

type entityRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	TenantID       string `gorm:"size:255;uniqueIndex:idx_entities_tenant_norm"`
	Name           string `gorm:"size:512"`
	NormalizedName string `gorm:"size:512;uniqueIndex:idx_entities_tenant_norm"`
	Type           string `gorm:"size:128"`
	Description    string `gorm:"type:text"`
	MentionCount   int64
}

func (entityRow) TableName() string { return "entities" }

type entityMentionRow struct {
	EntityID string `gorm:"primaryKey;size:64"`
	ChunkID  string `gorm:"primaryKey;size:255;index:idx_entity_mentions_chunk"`
	Count    int64
}

func (entityMentionRow) TableName() string { return "entity_mentions" }

type relationshipRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	TenantID       string `gorm:"size:255;uniqueIndex:idx_rels_key"`
	SourceEntityID string `gorm:"size:64;uniqueIndex:idx_rels_key;index:idx_rels_source"`
	TargetEntityID string `gorm:"size:64;uniqueIndex:idx_rels_key;index:idx_rels_target"`
	Type           string `gorm:"size:128;uniqueIndex:idx_rels_key"`
	Description    string `gorm:"type:text"`
	Weight         float64
}

func (relationshipRow) TableName() string { return "relationships" }

type relationshipMentionRow struct {
	RelationshipID string `gorm:"primaryKey;size:64"`
	ChunkID        string `gorm:"primaryKey;size:255;index:idx_rel_mentions_chunk"`
	Count          int64
}

func (relationshipMentionRow) TableName() string { return "relationship_mentions" }

type communityRow struct {
	ID       string `gorm:"primaryKey;size:64"`
	TenantID string `gorm:"size:255;index:idx_communities_tenant_level"`
	Level    int    `gorm:"index:idx_communities_tenant_level"`
	Summary  string `gorm:"type:text"`
}

func (communityRow) TableName() string { return "communities" }

type communityMemberRow struct {
	CommunityID string `gorm:"primaryKey;size:64"`
	EntityID    string `gorm:"primaryKey;size:64"`
}

func (communityMemberRow) TableName() string { return "community_members" }

// SQLStore is the persistent graph backend. It usually shares its gorm
// handle with the SQL vector store so both live in one database.
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	err := db.AutoMigrate(
		&entityRow{}, &entityMentionRow{},
		&relationshipRow{}, &relationshipMentionRow{},
		&communityRow{}, &communityMemberRow{},
	)
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "migrate graph store schema").WithCause(err)
	}
	return &SQLStore{
		db:     db,
		logger: logger.With(zap.String("component", "sql_graph_store")),
	}, nil
}

// UpsertEntity inserts or increments on the (tenant, normalized name)
// unique index, then writes the mention batch as one statement. The
// whole upsert commits atomically.
func (s *SQLStore) UpsertEntity(ctx context.Context, tenant types.TenantID, up EntityUpsert) (types.Entity, error) {
	if err := cancelled(ctx); err != nil {
		return types.Entity{}, err
	}
	norm := NormalizeName(up.Name)

	var result types.Entity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := entityRow{
			ID:             uuid.NewString(),
			TenantID:       string(tenant),
			Name:           up.Name,
			NormalizedName: norm,
			Type:           up.Type,
			Description:    up.Description,
			MentionCount:   int64(len(up.ChunkIDs)),
		}
		assignments := map[string]any{
			"mention_count": gorm.Expr("entities.mention_count + ?", len(up.ChunkIDs)),
		}
		// Never blank out a known description with an empty one.
		if up.Description != "" {
			assignments["description"] = up.Description
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "normalized_name"}},
			DoUpdates: clause.Assignments(assignments),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		// The conflict path keeps the existing id; re-read for the result.
		var stored entityRow
		if err := tx.First(&stored, "tenant_id = ? AND normalized_name = ?", string(tenant), norm).Error; err != nil {
			return err
		}
		result = stored.toEntity()

		if len(up.ChunkIDs) == 0 {
			return nil
		}
		mentions := make([]entityMentionRow, 0, len(up.ChunkIDs))
		for _, chunkID := range dedup(up.ChunkIDs) {
			mentions = append(mentions, entityMentionRow{
				EntityID: stored.ID,
				ChunkID:  chunkID,
				Count:    1,
			})
		}
		// One batched statement, not N round trips: extraction passes
		// touch hundreds of chunks per document.
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}, {Name: "chunk_id"}},
			DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("entity_mentions.count + 1")}),
		}).Create(&mentions).Error
	})
	if err != nil {
		return types.Entity{}, backendErr("upsert entity", err)
	}
	return result, nil
}

// UpsertRelationship inserts or increments on the (tenant, source,
// target, type) unique index, then writes the mention batch.
func (s *SQLStore) UpsertRelationship(ctx context.Context, tenant types.TenantID, up RelationshipUpsert) (types.Relationship, error) {
	if err := cancelled(ctx); err != nil {
		return types.Relationship{}, err
	}

	var result types.Relationship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, eid := range []string{up.SourceEntityID, up.TargetEntityID} {
			var count int64
			if err := tx.Model(&entityRow{}).Where("id = ?", eid).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return types.NewErrorf(types.ErrNotFound, "unknown entity %s", eid)
			}
		}

		row := relationshipRow{
			ID:             uuid.NewString(),
			TenantID:       string(tenant),
			SourceEntityID: up.SourceEntityID,
			TargetEntityID: up.TargetEntityID,
			Type:           up.Type,
			Description:    up.Description,
			Weight:         1,
		}
		assignments := map[string]any{
			"weight": gorm.Expr("relationships.weight + 1"),
		}
		if up.Description != "" {
			assignments["description"] = up.Description
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "source_entity_id"}, {Name: "target_entity_id"}, {Name: "type"},
			},
			DoUpdates: clause.Assignments(assignments),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var stored relationshipRow
		err = tx.First(&stored,
			"tenant_id = ? AND source_entity_id = ? AND target_entity_id = ? AND type = ?",
			string(tenant), up.SourceEntityID, up.TargetEntityID, up.Type).Error
		if err != nil {
			return err
		}
		result = stored.toRelationship()

		if len(up.ChunkIDs) == 0 {
			return nil
		}
		mentions := make([]relationshipMentionRow, 0, len(up.ChunkIDs))
		for _, chunkID := range dedup(up.ChunkIDs) {
			mentions = append(mentions, relationshipMentionRow{
				RelationshipID: stored.ID,
				ChunkID:        chunkID,
				Count:          1,
			})
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "relationship_id"}, {Name: "chunk_id"}},
			DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("relationship_mentions.count + 1")}),
		}).Create(&mentions).Error
	})
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return types.Relationship{}, err
		}
		return types.Relationship{}, backendErr("upsert relationship", err)
	}
	return result, nil
}

// EntityByName resolves an entity by (tenant, normalized name).
func (s *SQLStore) EntityByName(ctx context.Context, tenant types.TenantID, name string) (types.Entity, error) {
	if err := cancelled(ctx); err != nil {
		return types.Entity{}, err
	}
	var row entityRow
	err := s.db.WithContext(ctx).
		First(&row, "tenant_id = ? AND normalized_name = ?", string(tenant), NormalizeName(name)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Entity{}, types.NewErrorf(types.ErrNotFound, "unknown entity %q", name)
	}
	if err != nil {
		return types.Entity{}, backendErr("read entity", err)
	}
	return row.toEntity(), nil
}

// EntitiesForChunk joins through the mention index.
func (s *SQLStore) EntitiesForChunk(ctx context.Context, chunkID string) ([]types.Entity, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	var rows []entityRow
	err := s.db.WithContext(ctx).
		Joins("JOIN entity_mentions ON entity_mentions.entity_id = entities.id").
		Where("entity_mentions.chunk_id = ?", chunkID).
		Order("entities.id").
		Find(&rows).Error
	if err != nil {
		return nil, backendErr("read chunk entities", err)
	}
	out := make([]types.Entity, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}

// ChunksForEntity reads the entity's provenance rows from the mention
// index.
func (s *SQLStore) ChunksForEntity(ctx context.Context, entityID string) ([]types.EntityMention, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	var rows []entityMentionRow
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("chunk_id").
		Find(&rows).Error
	if err != nil {
		return nil, backendErr("read entity provenance", err)
	}
	out := make([]types.EntityMention, len(rows))
	for i, row := range rows {
		out[i] = types.EntityMention{EntityID: row.EntityID, ChunkID: row.ChunkID, Count: row.Count}
	}
	return out, nil
}

// Neighborhood traverses the relationship index breadth-first, bounded
// by depth and entity count.
func (s *SQLStore) Neighborhood(ctx context.Context, tenant types.TenantID, chunkIDs []string, maxDepth, maxEntities int) (types.Neighborhood, error) {
	if err := cancelled(ctx); err != nil {
		return types.Neighborhood{}, err
	}
	var nb types.Neighborhood
	if len(chunkIDs) == 0 {
		return nb, nil
	}

	var seedIDs []string
	err := s.db.WithContext(ctx).Model(&entityMentionRow{}).
		Distinct("entity_id").
		Where("chunk_id IN ?", chunkIDs).
		Order("entity_id").
		Pluck("entity_id", &seedIDs).Error
	if err != nil {
		return nb, backendErr("read seed entities", err)
	}
	if len(seedIDs) == 0 {
		return nb, nil
	}

	seen := make(map[string]struct{}, len(seedIDs))
	relSeen := make(map[string]struct{})
	frontier := seedIDs
	for _, id := range seedIDs {
		seen[id] = struct{}{}
	}

	appendEntities := func(ids []string) error {
		if len(ids) == 0 {
			return nil
		}
		var rows []entityRow
		err := s.db.WithContext(ctx).
			Where("id IN ? AND tenant_id = ?", ids, string(tenant)).
			Order("id").
			Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			if maxEntities > 0 && len(nb.Entities) >= maxEntities {
				return nil
			}
			nb.Entities = append(nb.Entities, row.toEntity())
		}
		return nil
	}
	if err := appendEntities(frontier); err != nil {
		return nb, backendErr("read entities", err)
	}

	for depth := 0; depth < maxDepth; depth++ {
		if maxEntities > 0 && len(nb.Entities) >= maxEntities {
			break
		}
		var rels []relationshipRow
		err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND (source_entity_id IN ? OR target_entity_id IN ?)",
				string(tenant), frontier, frontier).
			Order("id").
			Find(&rels).Error
		if err != nil {
			return nb, backendErr("read relationships", err)
		}

		var next []string
		for _, r := range rels {
			if _, ok := relSeen[r.ID]; !ok {
				relSeen[r.ID] = struct{}{}
				nb.Relationships = append(nb.Relationships, r.toRelationship())
			}
			for _, other := range []string{r.SourceEntityID, r.TargetEntityID} {
				if _, ok := seen[other]; !ok {
					seen[other] = struct{}{}
					next = append(next, other)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		sort.Strings(next)
		if err := appendEntities(next); err != nil {
			return nb, backendErr("read entities", err)
		}
		frontier = next
	}
	return nb, nil
}

// UpsertCommunity persists a community and replaces its membership set.
func (s *SQLStore) UpsertCommunity(ctx context.Context, community types.Community) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	if community.ID == "" {
		community.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := communityRow{
			ID:       community.ID,
			TenantID: string(community.TenantID),
			Level:    community.Level,
			Summary:  community.Summary,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "level", "summary"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		if err := tx.Where("community_id = ?", community.ID).Delete(&communityMemberRow{}).Error; err != nil {
			return err
		}
		members := make([]communityMemberRow, 0, len(community.EntityIDs))
		for _, eid := range dedup(community.EntityIDs) {
			members = append(members, communityMemberRow{CommunityID: community.ID, EntityID: eid})
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return backendErr("upsert community", err)
	}
	return nil
}

// UpdateCommunitySummary replaces a community's summary by id.
func (s *SQLStore) UpdateCommunitySummary(ctx context.Context, communityID, summary string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&communityRow{}).
		Where("id = ?", communityID).
		Update("summary", summary)
	if res.Error != nil {
		return backendErr("update community summary", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "unknown community %s", communityID)
	}
	return nil
}

// CommunitiesAtLevel returns the tenant's communities at one level,
// membership included.
func (s *SQLStore) CommunitiesAtLevel(ctx context.Context, tenant types.TenantID, level int) ([]types.Community, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	var rows []communityRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND level = ?", string(tenant), level).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, backendErr("read communities", err)
	}
	out := make([]types.Community, len(rows))
	for i, row := range rows {
		var memberIDs []string
		err := s.db.WithContext(ctx).Model(&communityMemberRow{}).
			Where("community_id = ?", row.ID).
			Order("entity_id").
			Pluck("entity_id", &memberIDs).Error
		if err != nil {
			return nil, backendErr("read community members", err)
		}
		out[i] = types.Community{
			ID:        row.ID,
			TenantID:  types.TenantID(row.TenantID),
			Level:     row.Level,
			Summary:   row.Summary,
			EntityIDs: memberIDs,
		}
	}
	return out, nil
}

// DeleteChunkProvenance removes all mention rows referencing the chunks,
// in one transaction.
func (s *SQLStore) DeleteChunkProvenance(ctx context.Context, chunkIDs []string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chunk_id IN ?", chunkIDs).Delete(&entityMentionRow{}).Error; err != nil {
			return err
		}
		return tx.Where("chunk_id IN ?", chunkIDs).Delete(&relationshipMentionRow{}).Error
	})
	if err != nil {
		return backendErr("delete chunk provenance", err)
	}
	return nil
}

// Close is a no-op; the shared database handle is owned by the vector
// store side.
func (s *SQLStore) Close() error {
	return nil
}

func (r entityRow) toEntity() types.Entity {
	return types.Entity{
		ID:             r.ID,
		TenantID:       types.TenantID(r.TenantID),
		Name:           r.Name,
		NormalizedName: r.NormalizedName,
		Type:           r.Type,
		Description:    r.Description,
		MentionCount:   r.MentionCount,
	}
}

func (r relationshipRow) toRelationship() types.Relationship {
	return types.Relationship{
		ID:             r.ID,
		TenantID:       types.TenantID(r.TenantID),
		SourceEntityID: r.SourceEntityID,
		TargetEntityID: r.TargetEntityID,
		Type:           r.Type,
		Description:    r.Description,
		Weight:         r.Weight,
	}
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func backendErr(op string, err error) error {
	return types.NewError(types.ErrBackendUnavailable, op).WithCause(err).WithRetryable(true)
}
