package ledger

import (
	"context"
	"strings"

	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
)

// SummaryItem is one active material of a task.
type SummaryItem struct {
	MaterialID string `json:"material_id"`
	Number     int    `json:"number"`
	Name       string `json:"name"`
	Unit       string `json:"unit"`
	ImageURL   string `json:"image_url,omitempty"`
	Plan       int    `json:"plan"`
	Current    int    `json:"current"`
}

type Summary struct {
	Items []SummaryItem `json:"items"`
}

// SessionItem adds the quantities seen from one operator session.
type SessionItem struct {
	SummaryItem
	Before int `json:"before"`
	Added  int `json:"added"`
}

type SessionSummary struct {
	// SessionID is empty when the operator has no session on the task.
	SessionID string        `json:"session_id"`
	Items     []SessionItem `json:"items"`
}

// TaskExecSummary returns plan and current quantity of every active
// material, ordered by material number.
func (s *Service) TaskExecSummary(ctx context.Context, taskID string) (Summary, error) {
	taskID = model.CanonicalID(taskID)

	sum := Summary{Items: []SummaryItem{}}
	err := s.store.Read(ctx, func(v store.View) error {
		sum.Items = globalItems(v, taskID)
		return nil
	})
	return sum, err
}

// OperatorSessionSummary returns the four-way view for one operator.
//
// An explicit sessionID must belong to the task and operator; otherwise the
// operator's latest session is used. Before and Added are both computed from
// that one session row. Without any session they are 0.
func (s *Service) OperatorSessionSummary(ctx context.Context, taskID, operatorID, sessionID string) (SessionSummary, error) {
	taskID = model.CanonicalID(taskID)
	operatorID = model.CanonicalID(operatorID)
	sessionID = strings.TrimSpace(sessionID)

	out := SessionSummary{Items: []SessionItem{}}
	err := s.store.Read(ctx, func(v store.View) error {
		var (
			sess  model.Session
			found bool
		)
		if sessionID != "" {
			sess, found = v.Session(model.CanonicalID(sessionID))
			if !found || sess.TaskID != taskID || sess.OperatorID != operatorID {
				return notFound("session not found")
			}
		} else {
			sess, found = v.LatestSession(taskID, operatorID)
		}

		var added map[string]int
		if found {
			out.SessionID = sess.ID
			added = v.DeltaTotals(store.ActionFilter{
				TaskID:  taskID,
				ActorID: operatorID,
				Since:   sess.StartedAt,
			})
		}

		for _, item := range globalItems(v, taskID) {
			si := SessionItem{SummaryItem: item}
			if found {
				if snap, ok := v.Snapshot(sess.ID, item.MaterialID); ok {
					si.Before = snap.StartQty
				}
				si.Added = added[item.MaterialID]
			}
			out.Items = append(out.Items, si)
		}
		return nil
	})
	return out, err
}

func globalItems(v store.View, taskID string) []SummaryItem {
	totals := v.DeltaTotals(store.ActionFilter{TaskID: taskID})
	materials := v.ActiveMaterials()
	items := make([]SummaryItem, 0, len(materials))
	for _, m := range materials {
		plan := planQty(v, taskID, m.ID)
		items = append(items, SummaryItem{
			MaterialID: m.ID,
			Number:     m.Number,
			Name:       m.Name,
			Unit:       m.Unit,
			ImageURL:   m.ImageURL,
			Plan:       plan,
			Current:    plan + totals[m.ID],
		})
	}
	return items
}
