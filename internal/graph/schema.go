package graph

import (
	"context"
	"fmt"

	"github.com/ternarybob/codestory/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

const schemaKey = "graph_schema"
const schemaVersion = 1

// schemaRecord pins the store layout so incompatible reopenings are caught
// instead of silently mixing embedding dimensions.
type schemaRecord struct {
	Version      int    `json:"version"`
	EmbeddingDim int    `json:"embedding_dim"`
	Database     string `json:"database"`
}

// InitializeSchema bootstraps the graph schema. Identity uniqueness is
// enforced structurally (node keys are derived from identity properties)
// and label/type indexes come from struct tags; what remains is the
// schema record guarding embedding dimension compatibility.
//
// Safe to call repeatedly. With force=false an incompatible existing
// schema is a SchemaError; with force=true the graph is dropped and the
// schema recreated.
func (s *Store) InitializeSchema(ctx context.Context, force bool) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	var existing schemaRecord
	err := s.db.Store().Get(schemaKey, &existing)
	if err == nil {
		compatible := existing.Version == schemaVersion &&
			existing.EmbeddingDim == s.config.EmbeddingDim &&
			existing.Database == s.config.Database
		if compatible {
			return nil
		}
		if !force {
			return models.NewPipelineError(models.ErrSchema,
				"incompatible graph schema: stored dim=%d version=%d, configured dim=%d version=%d (use force to recreate)",
				existing.EmbeddingDim, existing.Version, s.config.EmbeddingDim, schemaVersion)
		}
		if err := s.dropAll(); err != nil {
			return fmt.Errorf("failed to drop graph for schema recreate: %w", err)
		}
	} else if err != badgerhold.ErrNotFound {
		return &models.PipelineError{Kind: models.ErrSchema, Message: "failed to read graph schema", Cause: err}
	}

	record := schemaRecord{
		Version:      schemaVersion,
		EmbeddingDim: s.config.EmbeddingDim,
		Database:     s.config.Database,
	}
	if err := s.db.Store().Upsert(schemaKey, &record); err != nil {
		return &models.PipelineError{Kind: models.ErrSchema, Message: "failed to write graph schema", Cause: err}
	}

	s.logger.Info().
		Int("embedding_dim", record.EmbeddingDim).
		Str("database", record.Database).
		Bool("force", force).
		Msg("Graph schema initialized")
	return nil
}

// dropAll deletes every node and edge. Used only on forced schema recreate.
func (s *Store) dropAll() error {
	if err := s.db.Store().DeleteMatching(&models.Node{}, badgerhold.Where("Key").Ne("")); err != nil {
		return err
	}
	return s.db.Store().DeleteMatching(&models.Edge{}, badgerhold.Where("Key").Ne(""))
}
