package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	defaultMaterialHistoryLimit = 50
	maxMaterialHistoryLimit     = 200
)

// HistoryQuery pages through a task's audit trail, newest first.
type HistoryQuery struct {
	Limit int
	// Before returns only rows created strictly earlier; use the previous
	// page's NextBefore.
	Before  time.Time
	Action  model.AuditAction
	ActorID string
}

type AuditSummary struct {
	ID          int64             `json:"id"`
	Action      model.AuditAction `json:"action"`
	ActorID     string            `json:"actor_id,omitempty"`
	ChangedKeys []string          `json:"changed_keys"`
	CreatedAt   time.Time         `json:"created_at"`
}

type HistoryPage struct {
	Items      []AuditSummary `json:"items"`
	Limit      int            `json:"limit"`
	NextBefore *time.Time     `json:"next_before"`
}

type DiffEntry struct {
	Key    string `json:"key"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

type AuditDetail struct {
	model.AuditEntry
	Diff []DiffEntry `json:"diff"`
}

// TaskHistory lists audit rows of the task.
func (s *Service) TaskHistory(ctx context.Context, taskID string, q HistoryQuery) (HistoryPage, error) {
	taskID = model.CanonicalID(taskID)
	limit := q.Limit
	if limit <= 0 {
		limit = s.historyLimit
	}
	limit = min(limit, maxHistoryLimit)

	actorID := strings.TrimSpace(q.ActorID)
	if actorID != "" {
		if !model.IsCanonicalUUID(actorID) {
			return HistoryPage{}, conflict("invalid actor id")
		}
		actorID = model.CanonicalID(actorID)
	}

	page := HistoryPage{Items: []AuditSummary{}, Limit: limit}
	err := s.store.Read(ctx, func(v store.View) error {
		if _, ok := v.Task(taskID); !ok {
			return notFound("task not found")
		}
		rows := v.Audits(taskID)
		sort.SliceStable(rows, func(i, j int) bool {
			if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
				return rows[i].CreatedAt.After(rows[j].CreatedAt)
			}
			return rows[i].ID > rows[j].ID
		})
		for _, e := range rows {
			if q.Action != "" && e.Action != q.Action {
				continue
			}
			if actorID != "" && e.ActorID != actorID {
				continue
			}
			if !q.Before.IsZero() && !e.CreatedAt.Before(q.Before) {
				continue
			}
			page.Items = append(page.Items, AuditSummary{
				ID:          e.ID,
				Action:      e.Action,
				ActorID:     e.ActorID,
				ChangedKeys: e.ChangedKeys,
				CreatedAt:   e.CreatedAt,
			})
			if len(page.Items) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return HistoryPage{}, err
	}
	if n := len(page.Items); n > 0 {
		next := page.Items[n-1].CreatedAt
		page.NextBefore = &next
	}
	return page, nil
}

// TaskHistoryEntry returns one audit row with a before/after diff of its changed keys.
func (s *Service) TaskHistoryEntry(ctx context.Context, taskID string, auditID int64) (AuditDetail, error) {
	taskID = model.CanonicalID(taskID)
	if auditID <= 0 {
		return AuditDetail{}, conflict("invalid audit id")
	}

	var d AuditDetail
	err := s.store.Read(ctx, func(v store.View) error {
		if _, ok := v.Task(taskID); !ok {
			return notFound("task not found")
		}
		e, ok := v.Audit(taskID, auditID)
		if !ok {
			return notFound("audit entry not found")
		}
		d = AuditDetail{AuditEntry: e, Diff: buildDiff(e)}
		return nil
	})
	return d, err
}

func buildDiff(e model.AuditEntry) []DiffEntry {
	diff := make([]DiffEntry, 0, len(e.ChangedKeys))
	for _, k := range e.ChangedKeys {
		diff = append(diff, DiffEntry{Key: k, Before: e.OldData[k], After: e.NewData[k]})
	}
	return diff
}

// MaterialHistoryItem is a ledger row with its actor and material resolved.
type MaterialHistoryItem struct {
	ActionID       string    `json:"action_id"`
	CreatedAt      time.Time `json:"created_at"`
	Delta          int       `json:"delta"`
	ActorID        string    `json:"actor_id"`
	ActorLogin     string    `json:"actor_login,omitempty"`
	MaterialID     string    `json:"material_id"`
	MaterialNumber int       `json:"material_number,omitempty"`
	MaterialName   string    `json:"material_name,omitempty"`
}

// MaterialHistory lists the task's ledger rows, newest first.
func (s *Service) MaterialHistory(ctx context.Context, taskID string, limit int) ([]MaterialHistoryItem, error) {
	taskID = model.CanonicalID(taskID)
	if limit <= 0 {
		limit = defaultMaterialHistoryLimit
	}
	limit = min(limit, maxMaterialHistoryLimit)

	items := []MaterialHistoryItem{}
	err := s.store.Read(ctx, func(v store.View) error {
		if _, ok := v.Task(taskID); !ok {
			return notFound("task not found")
		}
		actions := v.Actions(store.ActionFilter{TaskID: taskID})
		for i := len(actions) - 1; i >= 0 && len(items) < limit; i-- {
			a := actions[i]
			item := MaterialHistoryItem{
				ActionID:   a.ActionID,
				CreatedAt:  a.CreatedAt,
				Delta:      a.Delta,
				ActorID:    a.ActorID,
				MaterialID: a.MaterialID,
			}
			if actor, ok := v.Actor(a.ActorID); ok {
				item.ActorLogin = actor.Login
			}
			if m, ok := v.Material(a.MaterialID); ok {
				item.MaterialNumber = m.Number
				item.MaterialName = m.Name
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

// ListMaterials returns the whole catalog, inactive entries included, ordered by number.
func (s *Service) ListMaterials(ctx context.Context) ([]model.Material, error) {
	var ms []model.Material
	err := s.store.Read(ctx, func(v store.View) error {
		ms = v.Materials()
		return nil
	})
	return ms, err
}
