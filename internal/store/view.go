package store

import (
	"sort"
	"time"

	"github.com/msageha/taskledger/internal/model"
)

// ActionFilter selects ledger rows. Empty fields match everything; Since is inclusive.
type ActionFilter struct {
	TaskID     string
	MaterialID string
	ActorID    string
	Since      time.Time
}

func (f ActionFilter) match(a model.Action) bool {
	if f.TaskID != "" && a.TaskID != f.TaskID {
		return false
	}
	if f.MaterialID != "" && a.MaterialID != f.MaterialID {
		return false
	}
	if f.ActorID != "" && a.ActorID != f.ActorID {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// View is a read-only window on committed state. It is valid only inside the
// callback that received it.
type View struct {
	t *tables
}

func (v View) Task(id string) (model.Task, bool) {
	task, ok := v.t.tasks[id]
	return task, ok
}

func (v View) Material(id string) (model.Material, bool) {
	m, ok := v.t.materials[id]
	return m, ok
}

// Materials returns every material ordered by number.
func (v View) Materials() []model.Material {
	out := make([]model.Material, 0, len(v.t.materials))
	for _, m := range v.t.materials {
		out = append(out, m)
	}
	sortMaterials(out)
	return out
}

// ActiveMaterials returns active materials ordered by number.
func (v View) ActiveMaterials() []model.Material {
	out := make([]model.Material, 0, len(v.t.materials))
	for _, m := range v.t.materials {
		if m.Active {
			out = append(out, m)
		}
	}
	sortMaterials(out)
	return out
}

func (v View) Actor(id string) (model.Actor, bool) {
	a, ok := v.t.actors[id]
	return a, ok
}

func (v View) PlanItems(taskID string) []model.PlanItem {
	items := v.t.plan[taskID]
	out := make([]model.PlanItem, len(items))
	copy(out, items)
	return out
}

func (v View) ExecItem(taskID, materialID string) (model.ExecItem, bool) {
	item, ok := v.t.execItems[execKey{taskID, materialID}]
	return item, ok
}

func (v View) ActionExists(actionID string) bool {
	_, ok := v.t.actionIDs[actionID]
	return ok
}

func (v View) taskActions(taskID string) []model.Action {
	idx := v.t.byTask[taskID]
	out := make([]model.Action, 0, len(idx))
	for _, i := range idx {
		out = append(out, v.t.actions[i])
	}
	return out
}

// Actions returns matching rows in commit order.
func (v View) Actions(f ActionFilter) []model.Action {
	var src []model.Action
	if f.TaskID != "" {
		src = v.taskActions(f.TaskID)
	} else {
		src = v.t.actions
	}
	var out []model.Action
	for _, a := range src {
		if f.match(a) {
			out = append(out, a)
		}
	}
	return out
}

func (v View) SumDeltas(f ActionFilter) int {
	sum := 0
	for _, a := range v.Actions(f) {
		sum += a.Delta
	}
	return sum
}

// DeltaTotals sums matching deltas per material.
func (v View) DeltaTotals(f ActionFilter) map[string]int {
	totals := make(map[string]int)
	for _, a := range v.Actions(f) {
		totals[a.MaterialID] += a.Delta
	}
	return totals
}

func (v View) Session(id string) (model.Session, bool) {
	s, ok := v.t.sessions[id]
	return s, ok
}

// LatestSession returns the operator's most recently started session on the task.
func (v View) LatestSession(taskID, operatorID string) (model.Session, bool) {
	var latest model.Session
	found := false
	for _, s := range v.t.sessions {
		if s.TaskID != taskID || s.OperatorID != operatorID {
			continue
		}
		if !found || s.StartedAt.After(latest.StartedAt) ||
			(s.StartedAt.Equal(latest.StartedAt) && s.ID > latest.ID) {
			latest = s
			found = true
		}
	}
	return latest, found
}

func (v View) Snapshot(sessionID, materialID string) (model.Snapshot, bool) {
	snap, ok := v.t.snapshots[snapKey{sessionID, materialID}]
	return snap, ok
}

// Audits returns the task's audit rows, newest first.
func (v View) Audits(taskID string) []model.AuditEntry {
	var out []model.AuditEntry
	for i := len(v.t.audits) - 1; i >= 0; i-- {
		if v.t.audits[i].TaskID == taskID {
			out = append(out, v.t.audits[i])
		}
	}
	return out
}

func (v View) Audit(taskID string, id int64) (model.AuditEntry, bool) {
	i := sort.Search(len(v.t.audits), func(i int) bool { return v.t.audits[i].ID >= id })
	if i < len(v.t.audits) && v.t.audits[i].ID == id && v.t.audits[i].TaskID == taskID {
		return v.t.audits[i], true
	}
	return model.AuditEntry{}, false
}
