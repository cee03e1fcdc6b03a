package store

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/taskledger/internal/model"
)

// Tx is an all-or-nothing unit of work. Reads see committed rows; writes are
// staged and become visible together on Commit. Row locks taken through the
// Tx are held until Commit or Rollback.
type Tx struct {
	s    *Store
	ctx  context.Context
	held []string
	st   staged
	now  time.Time
	done bool
}

func taskLockKey(id string) string { return "task:" + id }

// LockTask takes the exclusive row lock on the task and returns the row.
// ErrNoRows is returned when the task does not exist; the lock is kept either way.
func (tx *Tx) LockTask(id string) (model.Task, error) {
	if tx.done {
		return model.Task{}, ErrTxDone
	}
	key := taskLockKey(id)
	if !tx.holds(key) {
		if err := tx.s.rowLocks.Lock(tx.ctx, key); err != nil {
			return model.Task{}, err
		}
		tx.held = append(tx.held, key)
	}

	var (
		task model.Task
		ok   bool
	)
	tx.s.mu.RLock()
	task, ok = View{t: tx.s.t}.Task(id)
	tx.s.mu.RUnlock()
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", id, ErrNoRows)
	}
	return task, nil
}

func (tx *Tx) holds(key string) bool {
	for _, k := range tx.held {
		if k == key {
			return true
		}
	}
	return false
}

// Now is the transaction timestamp, fixed on first use. Taken after the row
// lock, it orders rows of one task the same way their commits are ordered.
func (tx *Tx) Now() time.Time {
	if tx.now.IsZero() {
		tx.now = tx.s.clock.tick()
	}
	return tx.now
}

// Read runs fn against committed state.
func (tx *Tx) Read(fn func(View) error) error {
	if tx.done {
		return ErrTxDone
	}
	if err := tx.ctx.Err(); err != nil {
		return err
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return fn(View{t: tx.s.t})
}

func (tx *Tx) UpdateTask(task model.Task) {
	tx.st.tasks = append(tx.st.tasks, task)
}

// InsertExecItemIfAbsent stages item unless the (task, material) pair already
// exists, committed or staged. It reports whether the item was staged.
func (tx *Tx) InsertExecItemIfAbsent(item model.ExecItem) bool {
	for _, e := range tx.st.execItems {
		if e.TaskID == item.TaskID && e.MaterialID == item.MaterialID {
			return false
		}
	}
	tx.s.mu.RLock()
	_, exists := tx.s.t.execItems[execKey{item.TaskID, item.MaterialID}]
	tx.s.mu.RUnlock()
	if exists {
		return false
	}
	tx.st.execItems = append(tx.st.execItems, item)
	return true
}

// InsertAction stages a ledger row. Uniqueness of ActionID is enforced at commit.
func (tx *Tx) InsertAction(a model.Action) {
	tx.st.actions = append(tx.st.actions, a)
}

func (tx *Tx) InsertSession(sess model.Session) {
	tx.st.sessions = append(tx.st.sessions, sess)
}

// InsertSnapshotIfAbsent stages snap unless (session, material) already exists.
func (tx *Tx) InsertSnapshotIfAbsent(snap model.Snapshot) bool {
	for _, s := range tx.st.snapshots {
		if s.SessionID == snap.SessionID && s.MaterialID == snap.MaterialID {
			return false
		}
	}
	tx.s.mu.RLock()
	_, exists := tx.s.t.snapshots[snapKey{snap.SessionID, snap.MaterialID}]
	tx.s.mu.RUnlock()
	if exists {
		return false
	}
	tx.st.snapshots = append(tx.st.snapshots, snap)
	return true
}

// InsertAudit stages an audit row; its ID is assigned at commit.
func (tx *Tx) InsertAudit(e model.AuditEntry) {
	tx.st.audits = append(tx.st.audits, e)
}

// Commit applies every staged write or none of them. A staged action whose id
// already exists fails the whole commit with ErrDuplicateKey.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	defer tx.finish()

	if err := tx.ctx.Err(); err != nil {
		return err
	}
	if tx.st.empty() {
		return nil
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(tx.st.actions))
	for _, a := range tx.st.actions {
		if _, exists := s.t.actionIDs[a.ActionID]; exists || seen[a.ActionID] {
			return fmt.Errorf("action_id %s: %w", a.ActionID, ErrDuplicateKey)
		}
		seen[a.ActionID] = true
	}

	undo := s.t.apply(&tx.st)
	if err := s.persistLocked(); err != nil {
		undo()
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Rollback discards staged writes and releases row locks. It is a no-op after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.st = staged{}
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.s.rowLocks.Unlock(tx.held[i])
	}
	tx.held = nil
}
