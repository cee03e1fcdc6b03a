package store

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/msageha/taskledger/internal/model"
)

// Seed is the externally owned reference data: the material catalog, known
// actors, and planned tasks with their plan items.
type Seed struct {
	Materials []model.Material
	Actors    []model.Actor
	Tasks     []model.Task
	PlanItems []model.PlanItem
}

type SeedResult struct {
	MaterialsUpserted    int `json:"materials_upserted"`
	MaterialsDeactivated int `json:"materials_deactivated"`
	ActorsUpserted       int `json:"actors_upserted"`
	TasksCreated         int `json:"tasks_created"`
	TasksUpdated         int `json:"tasks_updated"`
	PlansReplaced        int `json:"plans_replaced"`
	PlansSkipped         int `json:"plans_skipped"`
}

// ApplySeed merges seed into the store in one commit.
//
// Materials are upserted and those absent from seed are deactivated, never
// removed. Actors are upserted. Unknown tasks are created in NEW with a CREATE
// audit row. A task still in NEW takes the seed's task number, operator and
// vehicle plate, with an UPDATE audit row when any of them changed; started
// tasks keep their row. Plan items are replaced only for
// tasks still in NEW, under their row locks, since a started task has already
// been seeded from its plan.
func (s *Store) ApplySeed(ctx context.Context, seed Seed) (SeedResult, error) {
	var res SeedResult

	planned := make(map[string][]model.PlanItem)
	for _, p := range seed.PlanItems {
		planned[p.TaskID] = append(planned[p.TaskID], p)
	}
	taskIDs := make([]string, 0, len(seed.Tasks))
	seen := make(map[string]bool, len(seed.Tasks))
	for _, t := range seed.Tasks {
		if seen[t.ID] {
			return res, fmt.Errorf("seed: duplicate task %s", t.ID)
		}
		seen[t.ID] = true
		taskIDs = append(taskIDs, t.ID)
	}
	for id := range planned {
		if !seen[id] {
			return res, fmt.Errorf("seed: plan items reference unknown task %s", id)
		}
	}
	sort.Strings(taskIDs)

	// Fixed order keeps concurrent reloads from deadlocking each other.
	var held []string
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			s.rowLocks.Unlock(held[i])
		}
	}()
	for _, id := range taskIDs {
		key := taskLockKey(id)
		if err := s.rowLocks.Lock(ctx, key); err != nil {
			return res, err
		}
		held = append(held, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.t
	prevMaterials := maps.Clone(t.materials)
	prevActors := maps.Clone(t.actors)
	prevPlan := maps.Clone(t.plan)
	prevTasks := maps.Clone(t.tasks)
	auditsLen, auditSeq := len(t.audits), t.auditSeq

	inSeed := make(map[string]bool, len(seed.Materials))
	for _, m := range seed.Materials {
		inSeed[m.ID] = true
		t.materials[m.ID] = m
		res.MaterialsUpserted++
	}
	for id, m := range t.materials {
		if !inSeed[id] && m.Active {
			m.Active = false
			t.materials[id] = m
			res.MaterialsDeactivated++
		}
	}
	for _, a := range seed.Actors {
		t.actors[a.ID] = a
		res.ActorsUpserted++
	}

	now := s.clock.tick()
	for _, task := range seed.Tasks {
		cur, exists := t.tasks[task.ID]
		if !exists {
			task.Status = model.TaskStatusNew
			task.StartedAt = nil
			task.StartedBy = ""
			task.CreatedAt = now
			t.tasks[task.ID] = task
			t.auditSeq++
			t.audits = append(t.audits, model.AuditEntry{
				ID:          t.auditSeq,
				TaskID:      task.ID,
				Action:      model.AuditActionCreate,
				NewData:     task.AuditData(),
				ChangedKeys: model.ChangedKeys(nil, task.AuditData()),
				CreatedAt:   now,
			})
			res.TasksCreated++
			cur = task
		} else if cur.Status == model.TaskStatusNew {
			next := cur
			next.TaskNo, next.OperatorID, next.VehiclePlate = task.TaskNo, task.OperatorID, task.VehiclePlate
			if changed := model.ChangedKeys(cur.AuditData(), next.AuditData()); len(changed) > 0 {
				t.tasks[task.ID] = next
				t.auditSeq++
				t.audits = append(t.audits, model.AuditEntry{
					ID:          t.auditSeq,
					TaskID:      task.ID,
					Action:      model.AuditActionUpdate,
					OldData:     cur.AuditData(),
					NewData:     next.AuditData(),
					ChangedKeys: changed,
					CreatedAt:   now,
				})
				res.TasksUpdated++
				cur = next
			}
		}
		if cur.Status != model.TaskStatusNew {
			if _, ok := planned[task.ID]; ok {
				res.PlansSkipped++
			}
			continue
		}
		items := planned[task.ID]
		if len(items) == 0 {
			delete(t.plan, task.ID)
			continue
		}
		t.plan[task.ID] = append([]model.PlanItem(nil), items...)
		res.PlansReplaced++
	}

	if err := s.persistLocked(); err != nil {
		t.materials, t.actors, t.plan, t.tasks = prevMaterials, prevActors, prevPlan, prevTasks
		t.audits, t.auditSeq = t.audits[:auditsLen], auditSeq
		return SeedResult{}, fmt.Errorf("persist state: %w", err)
	}
	return res, nil
}
