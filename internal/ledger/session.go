package ledger

import (
	"context"

	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
)

// ReasonNoUser marks a session request for an operator that is not a known actor.
const ReasonNoUser = "no_user"

// SessionResult is either OK with the new session id, or not OK with a
// Reason. Callers fall back to the session-less summary when not OK.
type SessionResult struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// CreateOperatorSession opens a new working session of operatorID on the
// task and snapshots the current quantity of every active material.
//
// The task row lock is held while snapshotting, so the snapshot and the
// session start time agree with the ledger: a delta either committed before
// the session (and is in the snapshot) or after it (and counts as added).
func (s *Service) CreateOperatorSession(ctx context.Context, taskID, operatorID string) (SessionResult, error) {
	taskID = model.CanonicalID(taskID)
	operatorID = model.CanonicalID(operatorID)

	var known bool
	if err := s.store.Read(ctx, func(v store.View) error {
		_, known = v.Actor(operatorID)
		return nil
	}); err != nil {
		return SessionResult{}, err
	}
	if !known {
		return SessionResult{OK: false, Reason: ReasonNoUser}, nil
	}

	sessionID := model.NewID()
	var snapshots int
	err := s.inTx(ctx, func(tx *store.Tx) error {
		if _, err := lockTask(tx, taskID); err != nil {
			return err
		}
		now := tx.Now()
		tx.InsertSession(model.Session{
			ID:         sessionID,
			TaskID:     taskID,
			OperatorID: operatorID,
			StartedAt:  now,
		})
		return tx.Read(func(v store.View) error {
			totals := v.DeltaTotals(store.ActionFilter{TaskID: taskID})
			for _, m := range v.ActiveMaterials() {
				if tx.InsertSnapshotIfAbsent(model.Snapshot{
					SessionID:  sessionID,
					MaterialID: m.ID,
					StartQty:   planQty(v, taskID, m.ID) + totals[m.ID],
					CreatedAt:  now,
				}) {
					snapshots++
				}
			}
			return nil
		})
	})
	if err != nil {
		return SessionResult{}, err
	}

	s.publish(events.EventSessionCreated, map[string]interface{}{
		"session_id":  sessionID,
		"task_id":     taskID,
		"operator_id": operatorID,
		"snapshots":   snapshots,
	})
	return SessionResult{OK: true, SessionID: sessionID}, nil
}

// planQty is the execution item's seed quantity, 0 before the task started.
func planQty(v store.View, taskID, materialID string) int {
	if item, ok := v.ExecItem(taskID, materialID); ok {
		return item.Qty
	}
	return 0
}
