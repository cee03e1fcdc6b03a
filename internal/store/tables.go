package store

import (
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskledger/internal/model"
)

type execKey struct{ task, material string }

type snapKey struct{ session, material string }

// tables is the committed state. It is only touched under Store.mu.
type tables struct {
	tasks     map[string]model.Task
	materials map[string]model.Material
	actors    map[string]model.Actor
	plan      map[string][]model.PlanItem
	execItems map[execKey]model.ExecItem
	actions   []model.Action
	actionIDs map[string]int
	byTask    map[string][]int
	sessions  map[string]model.Session
	snapshots map[snapKey]model.Snapshot
	audits    []model.AuditEntry
	auditSeq  int64
}

func newTables() *tables {
	return &tables{
		tasks:     make(map[string]model.Task),
		materials: make(map[string]model.Material),
		actors:    make(map[string]model.Actor),
		plan:      make(map[string][]model.PlanItem),
		execItems: make(map[execKey]model.ExecItem),
		actionIDs: make(map[string]int),
		byTask:    make(map[string][]int),
		sessions:  make(map[string]model.Session),
		snapshots: make(map[snapKey]model.Snapshot),
	}
}

func (t *tables) appendAction(a model.Action) {
	idx := len(t.actions)
	t.actions = append(t.actions, a)
	t.actionIDs[a.ActionID] = idx
	t.byTask[a.TaskID] = append(t.byTask[a.TaskID], idx)
}

// staged holds the writes of one transaction until commit.
type staged struct {
	tasks     []model.Task
	execItems []model.ExecItem
	actions   []model.Action
	sessions  []model.Session
	snapshots []model.Snapshot
	audits    []model.AuditEntry
}

func (s *staged) empty() bool {
	return len(s.tasks) == 0 && len(s.execItems) == 0 && len(s.actions) == 0 &&
		len(s.sessions) == 0 && len(s.snapshots) == 0 && len(s.audits) == 0
}

// apply writes st into t and returns a function restoring t to its previous state.
func (t *tables) apply(st *staged) (undo func()) {
	prevTasks := make(map[string]*model.Task, len(st.tasks))
	for _, task := range st.tasks {
		if _, seen := prevTasks[task.ID]; !seen {
			if old, ok := t.tasks[task.ID]; ok {
				prevTasks[task.ID] = &old
			} else {
				prevTasks[task.ID] = nil
			}
		}
		t.tasks[task.ID] = task
	}
	var execKeys []execKey
	for _, item := range st.execItems {
		k := execKey{item.TaskID, item.MaterialID}
		t.execItems[k] = item
		execKeys = append(execKeys, k)
	}
	actionsLen := len(t.actions)
	for _, a := range st.actions {
		t.appendAction(a)
	}
	var sessionIDs []string
	for _, sess := range st.sessions {
		t.sessions[sess.ID] = sess
		sessionIDs = append(sessionIDs, sess.ID)
	}
	var snapKeys []snapKey
	for _, snap := range st.snapshots {
		k := snapKey{snap.SessionID, snap.MaterialID}
		t.snapshots[k] = snap
		snapKeys = append(snapKeys, k)
	}
	auditsLen, auditSeq := len(t.audits), t.auditSeq
	for _, e := range st.audits {
		t.auditSeq++
		e.ID = t.auditSeq
		t.audits = append(t.audits, e)
	}

	return func() {
		for id, old := range prevTasks {
			if old == nil {
				delete(t.tasks, id)
			} else {
				t.tasks[id] = *old
			}
		}
		for _, k := range execKeys {
			delete(t.execItems, k)
		}
		for _, a := range t.actions[actionsLen:] {
			delete(t.actionIDs, a.ActionID)
			idx := t.byTask[a.TaskID]
			t.byTask[a.TaskID] = idx[:len(idx)-1]
		}
		t.actions = t.actions[:actionsLen]
		for _, id := range sessionIDs {
			delete(t.sessions, id)
		}
		for _, k := range snapKeys {
			delete(t.snapshots, k)
		}
		t.audits = t.audits[:auditsLen]
		t.auditSeq = auditSeq
	}
}

func sortMaterials(ms []model.Material) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Number != ms[j].Number {
			return ms[i].Number < ms[j].Number
		}
		return ms[i].ID < ms[j].ID
	})
}

// clock hands out strictly increasing UTC timestamps.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UTC()
	if !ts.After(c.last) {
		ts = c.last.Add(time.Microsecond)
	}
	c.last = ts
	return ts
}
