package ledger

import (
	"context"
	"time"

	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
)

// StartTask moves a NEW task to IN_PROGRESS on behalf of its assigned
// operator and seeds one execution item per plan item.
func (s *Service) StartTask(ctx context.Context, taskID, operatorID string) error {
	taskID = model.CanonicalID(taskID)
	operatorID = model.CanonicalID(operatorID)

	var seeded int
	err := s.inTx(ctx, func(tx *store.Tx) error {
		task, err := lockTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.OperatorID != operatorID {
			return forbidden("only the assigned operator can start this task")
		}
		if task.Status != model.TaskStatusNew {
			return conflict("task is %s, expected %s", task.Status, model.TaskStatusNew)
		}
		if err := model.ValidateTaskTransition(task.Status, model.TaskStatusInProgress); err != nil {
			return conflict("%v", err)
		}

		now := tx.Now()
		before := task.AuditData()
		task.Status = model.TaskStatusInProgress
		task.StartedAt = &now
		task.StartedBy = operatorID
		tx.UpdateTask(task)

		var plan []model.PlanItem
		if err := tx.Read(func(v store.View) error {
			plan = v.PlanItems(taskID)
			return nil
		}); err != nil {
			return err
		}
		for _, p := range plan {
			if tx.InsertExecItemIfAbsent(model.ExecItem{
				TaskID:     taskID,
				MaterialID: p.MaterialID,
				Qty:        p.Qty,
				Source:     model.ExecSourcePlan,
				CreatedAt:  now,
			}) {
				seeded++
			}
		}

		after := task.AuditData()
		tx.InsertAudit(model.AuditEntry{
			TaskID:      taskID,
			ActorID:     operatorID,
			Action:      model.AuditActionStart,
			OldData:     before,
			NewData:     after,
			ChangedKeys: model.ChangedKeys(before, after),
			CreatedAt:   now,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(events.EventTaskStarted, map[string]interface{}{
		"task_id":     taskID,
		"operator_id": operatorID,
		"exec_items":  seeded,
	})
	return nil
}

// TaskHeader is the identifying part of a task shown above its material list.
type TaskHeader struct {
	ID            string           `json:"id"`
	TaskNo        string           `json:"task_no"`
	Status        model.TaskStatus `json:"status"`
	OperatorID    string           `json:"operator_id"`
	OperatorLogin string           `json:"operator_login,omitempty"`
	VehiclePlate  string           `json:"vehicle_plate,omitempty"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	StartedBy     string           `json:"started_by,omitempty"`
}

func (s *Service) TaskHeader(ctx context.Context, taskID string) (TaskHeader, error) {
	taskID = model.CanonicalID(taskID)

	var h TaskHeader
	err := s.store.Read(ctx, func(v store.View) error {
		task, ok := v.Task(taskID)
		if !ok {
			return notFound("task not found")
		}
		h = TaskHeader{
			ID:           task.ID,
			TaskNo:       task.TaskNo,
			Status:       task.Status,
			OperatorID:   task.OperatorID,
			VehiclePlate: task.VehiclePlate,
			StartedAt:    task.StartedAt,
			StartedBy:    task.StartedBy,
		}
		if op, ok := v.Actor(task.OperatorID); ok {
			h.OperatorLogin = op.Login
		}
		return nil
	})
	return h, err
}
