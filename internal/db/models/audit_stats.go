package models

import "time"

// EntityHistorySummary summarizes the audit trail of one entity.
type EntityHistorySummary struct {
	TotalEntries   int        `json:"totalEntries"`
	FirstActivity  *time.Time `json:"firstActivity,omitempty"`
	LastActivity   *time.Time `json:"lastActivity,omitempty"`
	DistinctActors int        `json:"distinctActors"`
}

// CountBucket is a single grouped count.
type CountBucket struct {
	Key   string `json:"key" db:"key"`
	Count int64  `json:"count" db:"count"`
}

// ActorCount is the number of logs attributed to one actor.
type ActorCount struct {
	UserID    *string `json:"userId,omitempty" db:"user_id"`
	UserEmail string  `json:"userEmail" db:"user_email"`
	Count     int64   `json:"count" db:"count"`
}

// EntityCount is the number of logs recorded against one entity.
type EntityCount struct {
	EntityType string  `json:"entityType" db:"entity_type"`
	EntityID   string  `json:"entityId" db:"entity_id"`
	EntityName *string `json:"entityName,omitempty" db:"entity_name"`
	Count      int64   `json:"count" db:"count"`
}

// PeriodCounts holds the bucketed totals of the statistics view.
type PeriodCounts struct {
	Total     int64 `json:"total" db:"total"`
	Today     int64 `json:"today" db:"today"`
	ThisWeek  int64 `json:"thisWeek" db:"this_week"`
	ThisMonth int64 `json:"thisMonth" db:"this_month"`
}

// AuditStatistics is the aggregate view over a time window.
type AuditStatistics struct {
	WindowDays  int           `json:"windowDays"`
	Counts      PeriodCounts  `json:"counts"`
	ByAction    []CountBucket `json:"byAction"`
	ByModule    []CountBucket `json:"byModule"`
	TopActors   []ActorCount  `json:"topActors"`
	TopEntities []EntityCount `json:"topEntities"`
}

// SummarizeHistory computes the summary of an entity history ordered oldest first. Actors are
// distinguished by user ID, or by email for system actions.
func SummarizeHistory(logs []*AuditLog) *EntityHistorySummary {
	summary := &EntityHistorySummary{TotalEntries: len(logs)}
	if len(logs) == 0 {
		return summary
	}
	first, last := logs[0].CreatedAt, logs[len(logs)-1].CreatedAt
	summary.FirstActivity = &first
	summary.LastActivity = &last

	actors := make(map[string]struct{})
	for _, l := range logs {
		key := l.UserEmail
		if l.UserID != nil {
			key = *l.UserID
		}
		actors[key] = struct{}{}
	}
	summary.DistinctActors = len(actors)
	return summary
}
