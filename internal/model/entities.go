// Package model defines the entities, status rules and configuration shared by the ledger, store and daemon.
package model

import (
	"fmt"
	"sort"
	"time"
)

// Task is one fulfillment job. Planning creates it; only the ledger starts it.
type Task struct {
	ID           string     `yaml:"id" json:"id"`
	TaskNo       string     `yaml:"task_no" json:"task_no"`
	Status       TaskStatus `yaml:"status" json:"status"`
	OperatorID   string     `yaml:"operator_id" json:"operator_id"`
	VehiclePlate string     `yaml:"vehicle_plate,omitempty" json:"vehicle_plate,omitempty"`
	StartedAt    *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	StartedBy    string     `yaml:"started_by,omitempty" json:"started_by,omitempty"`
	CreatedAt    time.Time  `yaml:"created_at" json:"created_at"`
}

type Material struct {
	ID       string `yaml:"id" json:"id"`
	Number   int    `yaml:"number" json:"number"`
	Name     string `yaml:"name" json:"name"`
	Unit     string `yaml:"unit" json:"unit"`
	ImageURL string `yaml:"image_url,omitempty" json:"image_url,omitempty"`
	Active   bool   `yaml:"active" json:"active"`
}

// Actor is a known user that may operate tasks and record deltas.
type Actor struct {
	ID    string `yaml:"id" json:"id"`
	Login string `yaml:"login" json:"login"`
}

type PlanItem struct {
	TaskID     string `yaml:"task_id" json:"task_id"`
	MaterialID string `yaml:"material_id" json:"material_id"`
	Qty        int    `yaml:"qty" json:"qty"`
}

const ExecSourcePlan = "PLAN"

// ExecItem is the starting quantity of a material on a started task.
// At most one exists per (task, material) and it is never overwritten.
type ExecItem struct {
	TaskID     string    `yaml:"task_id" json:"task_id"`
	MaterialID string    `yaml:"material_id" json:"material_id"`
	Qty        int       `yaml:"qty" json:"qty"`
	Source     string    `yaml:"source" json:"source"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
}

// Action is one immutable ledger entry.
type Action struct {
	ActionID   string    `yaml:"action_id" json:"action_id"`
	TaskID     string    `yaml:"task_id" json:"task_id"`
	MaterialID string    `yaml:"material_id" json:"material_id"`
	ActorID    string    `yaml:"actor_id" json:"actor_id"`
	Delta      int       `yaml:"delta" json:"delta"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
}

// Session is one activation of an operator on a task. The latest by StartedAt is current.
type Session struct {
	ID         string    `yaml:"id" json:"id"`
	TaskID     string    `yaml:"task_id" json:"task_id"`
	OperatorID string    `yaml:"operator_id" json:"operator_id"`
	StartedAt  time.Time `yaml:"started_at" json:"started_at"`
}

// Snapshot is a material's global quantity captured when a session began.
type Snapshot struct {
	SessionID  string    `yaml:"session_id" json:"session_id"`
	MaterialID string    `yaml:"material_id" json:"material_id"`
	StartQty   int       `yaml:"start_qty" json:"start_qty"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
}

type AuditAction string

const (
	AuditActionCreate AuditAction = "CREATE"
	AuditActionStart  AuditAction = "START"
	AuditActionUpdate AuditAction = "UPDATE"
)

// AuditEntry records one change to a task row.
type AuditEntry struct {
	ID          int64          `yaml:"id" json:"id"`
	TaskID      string         `yaml:"task_id" json:"task_id"`
	ActorID     string         `yaml:"actor_id,omitempty" json:"actor_id,omitempty"`
	Action      AuditAction    `yaml:"action" json:"action"`
	OldData     map[string]any `yaml:"old_data,omitempty" json:"old_data,omitempty"`
	NewData     map[string]any `yaml:"new_data,omitempty" json:"new_data,omitempty"`
	ChangedKeys []string       `yaml:"changed_keys,omitempty" json:"changed_keys,omitempty"`
	CreatedAt   time.Time      `yaml:"created_at" json:"created_at"`
}

// AuditData is the audited projection of a task row.
func (t Task) AuditData() map[string]any {
	d := map[string]any{
		"task_no":     t.TaskNo,
		"status":      string(t.Status),
		"operator_id": t.OperatorID,
	}
	if t.VehiclePlate != "" {
		d["vehicle_plate"] = t.VehiclePlate
	}
	if t.StartedAt != nil {
		d["started_at"] = t.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.StartedBy != "" {
		d["started_by"] = t.StartedBy
	}
	return d
}

// ChangedKeys lists, sorted, the keys whose values differ between before and after,
// including keys present on only one side. Values are compared by their
// formatted form so data read back from disk compares equal to fresh data.
func ChangedKeys(before, after map[string]any) []string {
	var keys []string
	for k, av := range after {
		bv, ok := before[k]
		if !ok || fmt.Sprint(bv) != fmt.Sprint(av) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
