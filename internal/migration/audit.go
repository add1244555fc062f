package migration

import (
	"context"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/logger"
)

// BurstThreshold is the number of automatic relances created for one entity
// within the same minute above which the audit reports a burst.
const BurstThreshold = 10

// Burst is a suspicious creation spike on one entity.
type Burst struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Minute     time.Time `json:"minute"`
	Count      int       `json:"count"`
}

// AuditReport describes the health of the relance table.
type AuditReport struct {
	Total           int64            `json:"total"`
	Pending         int64            `json:"pending"`
	Completed       int64            `json:"completed"`
	Automatic       int64            `json:"automatic"`
	MissingStatus   int64            `json:"missing_status"`
	DuplicateGroups []DuplicateGroup `json:"duplicate_groups"`
	Bursts          []Burst          `json:"bursts"`
	// Drift lists relances whose legacy columns disagree with their status.
	Drift []uint `json:"drift"`
}

// Healthy reports whether a migration run has nothing left to repair.
func (r *AuditReport) Healthy() bool {
	return r.MissingStatus == 0 && len(r.DuplicateGroups) == 0 && len(r.Drift) == 0
}

type burstKey struct {
	entity repository.EntityKey
	minute int64
}

// Audit scans every relance page by page. It never writes.
func Audit(ctx context.Context, relances repository.RelanceRepository, pageSize int, log logger.Logger) (*AuditReport, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	report := &AuditReport{}
	byEntity := make(map[repository.EntityKey][]entities.Relance)
	bursts := make(map[burstKey]int)

	var afterID uint
	for {
		page, err := relances.ListAfterID(ctx, afterID, pageSize)
		if err != nil {
			return nil, err
		}
		for i := range page {
			rel := &page[i]
			report.Total++
			switch rel.Status {
			case entities.RelanceStatusPending:
				report.Pending++
				if rel.CompletedAt != nil || rel.Terminee {
					report.Drift = append(report.Drift, rel.ID)
				}
			case entities.RelanceStatusCompleted:
				report.Completed++
				if !rel.Terminee {
					report.Drift = append(report.Drift, rel.ID)
				}
			}
			if !rel.Automatic {
				continue
			}
			report.Automatic++
			if rel.Status == entities.RelanceStatusLegacy {
				report.MissingStatus++
			}
			key := repository.EntityKey{EntityType: rel.EntityType, EntityID: rel.EntityID}
			if isLive(rel) {
				byEntity[key] = append(byEntity[key], *rel)
			}
			bursts[burstKey{entity: key, minute: rel.CreatedAt.UTC().Truncate(time.Minute).Unix()}]++
		}
		if len(page) < pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	for _, rels := range byEntity {
		report.DuplicateGroups = append(report.DuplicateGroups, FindDuplicates(rels)...)
	}
	sortGroups(report.DuplicateGroups)

	for key, count := range bursts {
		if count > BurstThreshold {
			report.Bursts = append(report.Bursts, Burst{
				EntityType: key.entity.EntityType,
				EntityID:   key.entity.EntityID,
				Minute:     time.Unix(key.minute, 0).UTC(),
				Count:      count,
			})
		}
	}
	sortBursts(report.Bursts)

	log.Info("relance audit completed",
		logger.Int64("total", report.Total),
		logger.Int64("missing_status", report.MissingStatus),
		logger.Int("duplicate_groups", len(report.DuplicateGroups)),
		logger.Int("bursts", len(report.Bursts)),
		logger.Int("drift", len(report.Drift)))
	return report, nil
}
