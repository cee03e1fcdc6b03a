// Package ledger is the task execution core: starting tasks, recording
// quantity deltas, operator sessions with their snapshots, and the
// plan/before/added/current reconciliation views.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
)

// Publisher receives an event after each successful mutation.
type Publisher interface {
	Publish(eventType events.EventType, data map[string]interface{})
}

type Options struct {
	// LockTimeout bounds the wait for a task row lock. Zero waits for the caller's context.
	LockTimeout time.Duration
	// HistoryLimit is the default page size of TaskHistory.
	HistoryLimit int
	Publisher    Publisher
}

type Service struct {
	store        *store.Store
	lockTimeout  time.Duration
	historyLimit int
	pub          Publisher
}

func NewService(st *store.Store, opts Options) *Service {
	limit := opts.HistoryLimit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	return &Service{
		store:        st,
		lockTimeout:  opts.LockTimeout,
		historyLimit: limit,
		pub:          opts.Publisher,
	}
}

// inTx runs fn in one transaction and commits when fn succeeds. Any error
// rolls back every staged write.
func (s *Service) inTx(ctx context.Context, fn func(tx *store.Tx) error) error {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockTask takes the task row lock, mapping a missing row to NotFound.
func lockTask(tx *store.Tx, taskID string) (model.Task, error) {
	task, err := tx.LockTask(taskID)
	if errors.Is(err, store.ErrNoRows) {
		return model.Task{}, notFound("task not found")
	}
	return task, err
}

func (s *Service) publish(eventType events.EventType, data map[string]interface{}) {
	if s.pub != nil {
		s.pub.Publish(eventType, data)
	}
}
