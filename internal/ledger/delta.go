package ledger

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
)

const (
	// MaxDeltaAbs bounds a single adjustment in either direction.
	MaxDeltaAbs = 1000
	// The only permitted negative adjustment is undoing one unit.
	minDelta = -1
)

// DeltaRequest is one quantity adjustment. Delta is kept as text so that
// malformed numbers are reported as a conflict rather than a decode failure.
type DeltaRequest struct {
	ActionID   string `json:"action_id"`
	TaskID     string `json:"task_id"`
	MaterialID string `json:"material_id"`
	ActorID    string `json:"actor_id"`
	Delta      string `json:"delta"`
}

type DeltaResult struct {
	// ActionID is the ledger key actually used: the caller's id when it is a
	// canonical UUID, otherwise a server-generated one.
	ActionID   string `json:"action_id"`
	Idempotent bool   `json:"idempotent"`
}

// ApplyDelta validates and appends one ledger row.
//
// A canonical UUID action id makes the call idempotent: replaying it reports
// Idempotent and writes nothing. Any other action id is replaced by a fresh
// server id, so retries of such a request are recorded again.
func (s *Service) ApplyDelta(ctx context.Context, req DeltaRequest) (DeltaResult, error) {
	actionID := strings.TrimSpace(req.ActionID)
	taskID := model.CanonicalID(req.TaskID)
	materialID := model.CanonicalID(req.MaterialID)
	actorID := strings.TrimSpace(req.ActorID)

	if actionID == "" || taskID == "" || materialID == "" || actorID == "" {
		return DeltaResult{}, conflict("action_id, task_id, material_id and actor_id are required")
	}
	delta, ok := parseDelta(req.Delta)
	if !ok {
		return DeltaResult{}, conflict("delta must be an integer")
	}
	if delta == 0 {
		return DeltaResult{}, conflict("delta must not be 0")
	}
	if delta < minDelta {
		return DeltaResult{}, conflict("delta must not be less than %d", minDelta)
	}
	if abs(delta) > MaxDeltaAbs {
		return DeltaResult{}, conflict("delta out of range (max %d)", MaxDeltaAbs)
	}
	if !model.IsCanonicalUUID(actorID) {
		return DeltaResult{}, forbidden("invalid actor id")
	}
	actorID = model.CanonicalID(actorID)

	idempotent := model.IsCanonicalUUID(actionID)
	if idempotent {
		actionID = model.CanonicalID(actionID)
	} else {
		actionID = model.NewID()
	}

	res := DeltaResult{ActionID: actionID}
	err := s.inTx(ctx, func(tx *store.Tx) error {
		task, err := lockTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != model.TaskStatusInProgress {
			return conflict("task is not in progress")
		}

		err = tx.Read(func(v store.View) error {
			if _, ok := v.Actor(actorID); !ok {
				return forbidden("actor not recognized")
			}
			if idempotent && v.ActionExists(actionID) {
				res.Idempotent = true
				return nil
			}
			m, ok := v.Material(materialID)
			if !ok {
				return notFound("material not found")
			}
			if !m.Active {
				return conflict("material is inactive")
			}
			if delta == minDelta {
				sess, ok := v.LatestSession(taskID, actorID)
				if !ok {
					return conflict("no operator session")
				}
				added := v.SumDeltas(store.ActionFilter{
					TaskID:     taskID,
					MaterialID: materialID,
					ActorID:    actorID,
					Since:      sess.StartedAt,
				})
				if added <= 0 {
					return conflict("cannot decrement more than you added")
				}
			}
			return nil
		})
		if err != nil || res.Idempotent {
			return err
		}

		tx.InsertAction(model.Action{
			ActionID:   actionID,
			TaskID:     taskID,
			MaterialID: materialID,
			ActorID:    actorID,
			Delta:      delta,
			CreatedAt:  tx.Now(),
		})
		return nil
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// Lost a race with a concurrent submission of the same action.
		return DeltaResult{ActionID: actionID, Idempotent: true}, nil
	}
	if err != nil {
		return DeltaResult{}, err
	}

	if !res.Idempotent {
		s.publish(events.EventDeltaApplied, map[string]interface{}{
			"action_id":   actionID,
			"task_id":     taskID,
			"material_id": materialID,
			"actor_id":    actorID,
			"delta":       delta,
		})
	}
	return res, nil
}

// parseDelta accepts integer text, including integral decimal or exponent
// forms such as "3.0" or "1e2".
func parseDelta(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		// Far outside the permitted range either way.
		return int(math.Copysign(MaxDeltaAbs+1, f)), true
	}
	return int(f), true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
