package sync

import (
	"context"
	"fmt"
	"time"
)

// EntitySyncStrategy is everything the engine needs to sync one entity type
type EntitySyncStrategy interface {
	Spec() *EntitySpec
	FetchAll(ctx context.Context, since *time.Time) ([]*RemoteEntity, error)
	Compare(ctx context.Context, remote []*RemoteEntity, fullSync bool) (*ComparisonResult, error)
	Create(ctx context.Context, remote *RemoteEntity) (*LocalRecord, error)
	Update(ctx context.Context, localID string, remote *RemoteEntity) (*LocalRecord, error)
	Delete(ctx context.Context, local *LocalRecord) (*LocalRecord, error)
	MarkConflict(ctx context.Context, local *LocalRecord) (*LocalRecord, error)
}

// Strategies maps every entity type to its strategy
type Strategies map[EntityType]EntitySyncStrategy

// entityStrategy is the table-driven strategy shared by all entity types
type entityStrategy struct {
	*Fetcher
	*Applier
	spec  *EntitySpec
	store RecordStore
}

func (s *entityStrategy) Spec() *EntitySpec { return s.spec }

// Compare loads every local row of the type and classifies remote against it
func (s *entityStrategy) Compare(ctx context.Context, remote []*RemoteEntity, fullSync bool) (*ComparisonResult, error) {
	local, err := s.store.ListRecords(ctx, s.spec)
	if err != nil {
		return nil, fmt.Errorf("loading local %s: %w", s.spec.Type, err)
	}
	return Compare(s.spec, remote, local, fullSync), nil
}

// NewStrategies builds the strategy for every entity type
func NewStrategies(api RemoteAPI, store RecordStore, opts FetchOptions, now func() time.Time) Strategies {
	strategies := make(Strategies, len(entitySpecs))
	for _, spec := range entitySpecs {
		strategies[spec.Type] = &entityStrategy{
			Fetcher: NewFetcher(api, spec, opts),
			Applier: NewApplier(store, spec, now),
			spec:    spec,
			store:   store,
		}
	}
	return strategies
}
