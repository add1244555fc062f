package migration

import (
	"sort"
	"strings"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
)

// GroupKey identifies relances that describe the same follow-up.
type GroupKey struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	RuleTypeID string `json:"rule_type_id"`
	Label      string `json:"label"`
}

func (k GroupKey) String() string {
	return strings.Join([]string{k.EntityType, k.EntityID, k.RuleTypeID, k.Label}, "|")
}

// DuplicateGroup is a set of live relances sharing a GroupKey. Keep is the
// earliest created; Extra holds the others.
type DuplicateGroup struct {
	Key   GroupKey           `json:"key"`
	Keep  entities.Relance   `json:"keep"`
	Extra []entities.Relance `json:"extra"`
}

// isLive reports whether a relance is still open, whatever its schema version.
func isLive(r *entities.Relance) bool {
	switch r.Status {
	case entities.RelanceStatusPending:
		return true
	case entities.RelanceStatusLegacy:
		return !r.Terminee
	default:
		return false
	}
}

// FindDuplicates groups the live automatic relances of rels and returns the
// groups holding more than one record, ordered by key.
func FindDuplicates(rels []entities.Relance) []DuplicateGroup {
	groups := make(map[GroupKey][]entities.Relance)
	for i := range rels {
		r := &rels[i]
		if !r.Automatic || !isLive(r) {
			continue
		}
		key := GroupKey{
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			RuleTypeID: r.RuleTypeID,
			Label:      NormalizeLabel(r.Label),
		}
		groups[key] = append(groups[key], *r)
	}

	var out []DuplicateGroup
	for key, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
				return members[i].CreatedAt.Before(members[j].CreatedAt)
			}
			return members[i].ID < members[j].ID
		})
		out = append(out, DuplicateGroup{Key: key, Keep: members[0], Extra: members[1:]})
	}
	sortGroups(out)
	return out
}

func sortGroups(groups []DuplicateGroup) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key.String() < groups[j].Key.String() })
}

func sortBursts(bursts []Burst) {
	sort.Slice(bursts, func(i, j int) bool {
		if bursts[i].EntityType != bursts[j].EntityType {
			return bursts[i].EntityType < bursts[j].EntityType
		}
		if bursts[i].EntityID != bursts[j].EntityID {
			return bursts[i].EntityID < bursts[j].EntityID
		}
		return bursts[i].Minute.Before(bursts[j].Minute)
	})
}
