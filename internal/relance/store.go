package relance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

// EntitySource reads entity snapshots and writes the processed marker.
type EntitySource interface {
	Get(ctx context.Context, entityType, entityID string) (map[string]any, error)
	MarkProcessed(ctx context.Context, entityType, entityID string, at time.Time) error
}

// SnapshotStore is the engine's view of the document store: it mirrors entity
// attribute bags and publishes a MutationEvent for every change.
type SnapshotStore struct {
	repo repository.SnapshotRepository
	bus  *MutationBus
	log  logger.Logger
}

// NewSnapshotStore creates a store. bus may be nil when nobody observes
// mutations.
func NewSnapshotStore(repo repository.SnapshotRepository, bus *MutationBus, log logger.Logger) *SnapshotStore {
	return &SnapshotStore{repo: repo, bus: bus, log: log}
}

// Apply records the current attribute bag of an entity.
func (s *SnapshotStore) Apply(ctx context.Context, entityType, entityID string, data map[string]any, origin string) error {
	if entityType == "" || entityID == "" {
		return errors.Newf(errors.CategoryValidation, "entity type and id are required")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "failed to encode snapshot")
	}
	prev, err := s.repo.Upsert(ctx, &entities.EntitySnapshot{
		EntityType: entityType,
		EntityID:   entityID,
		Data:       string(encoded),
	})
	if err != nil {
		return errors.Wrap(err, errors.CategoryTransient, "failed to store snapshot")
	}

	var before map[string]any
	if prev != nil {
		if before, err = decodeSnapshot(prev.Data); err != nil {
			s.log.Warn("previous snapshot is not valid JSON",
				logger.String("entity_type", entityType),
				logger.String("entity_id", entityID),
				logger.Error(err))
		}
	}
	after, err := decodeSnapshot(string(encoded))
	if err != nil {
		return err
	}
	s.publish(&MutationEvent{EntityType: entityType, EntityID: entityID, Before: before, After: after, Origin: origin})
	return nil
}

// Delete removes an entity. Deleting an unknown entity is a no-op.
func (s *SnapshotStore) Delete(ctx context.Context, entityType, entityID, origin string) error {
	prev, err := s.repo.Delete(ctx, entityType, entityID)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.CategoryTransient, "failed to delete snapshot")
	}
	before, _ := decodeSnapshot(prev.Data)
	s.publish(&MutationEvent{EntityType: entityType, EntityID: entityID, Before: before, Deleted: true, Origin: origin})
	return nil
}

// Get returns the current snapshot, or nil when the entity does not exist.
func (s *SnapshotStore) Get(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	snap, err := s.repo.Get(ctx, entityType, entityID)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryTransient, "failed to load snapshot")
	}
	return decodeSnapshot(snap.Data)
}

// MarkProcessed stamps the processed marker. The resulting mutation carries
// OriginEngine and identical data before and after.
func (s *SnapshotStore) MarkProcessed(ctx context.Context, entityType, entityID string, at time.Time) error {
	if err := s.repo.MarkProcessed(ctx, entityType, entityID, at); err != nil {
		return err
	}
	data, err := s.Get(ctx, entityType, entityID)
	if err != nil || data == nil {
		return err
	}
	s.publish(&MutationEvent{EntityType: entityType, EntityID: entityID, Before: data, After: data, Origin: OriginEngine})
	return nil
}

// EachEntity calls fn for every mirrored entity in key order.
func (s *SnapshotStore) EachEntity(ctx context.Context, pageSize int, fn func(entityType, entityID string, data map[string]any) error) error {
	var cursor repository.EntityKey
	for {
		page, err := s.repo.ListAfter(ctx, cursor, pageSize)
		if err != nil {
			return errors.Wrap(err, errors.CategoryTransient, "failed to list snapshots")
		}
		for i := range page {
			data, err := decodeSnapshot(page[i].Data)
			if err != nil {
				s.log.Warn("skipping undecodable snapshot",
					logger.String("entity_type", page[i].EntityType),
					logger.String("entity_id", page[i].EntityID),
					logger.Error(err))
				continue
			}
			if err := fn(page[i].EntityType, page[i].EntityID, data); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = repository.EntityKey{EntityType: last.EntityType, EntityID: last.EntityID}
	}
}

func (s *SnapshotStore) publish(ev *MutationEvent) {
	if s.bus == nil {
		return
	}
	if !s.bus.Publish(ev) {
		s.log.Warn("mutation dropped",
			logger.String("entity_type", ev.EntityType),
			logger.String("entity_id", ev.EntityID))
	}
}

func decodeSnapshot(data string) (map[string]any, error) {
	out := map[string]any{}
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, errors.Newf(errors.CategoryValidation, "invalid snapshot: %w", err)
	}
	return out, nil
}

// entityName picks a display name from the usual title attributes.
func entityName(data map[string]any) string {
	for _, key := range []string{"titre", "nom", "name", "title"} {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

var _ EntitySource = (*SnapshotStore)(nil)

// String implements fmt.Stringer for log fields.
func (e *MutationEvent) String() string {
	return fmt.Sprintf("%s/%s origin=%s deleted=%t", e.EntityType, e.EntityID, e.Origin, e.Deleted)
}
