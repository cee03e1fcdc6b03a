// Package store keeps the task execution tables in memory behind a transactional API
// and persists them as a single YAML document after every commit.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskledger/internal/lock"
	"github.com/msageha/taskledger/internal/model"
	yamlutil "github.com/msageha/taskledger/internal/yaml"
)

var (
	ErrNoRows       = errors.New("store: no rows")
	ErrDuplicateKey = errors.New("store: duplicate key")
	ErrTxDone       = errors.New("store: transaction has already been committed or rolled back")
)

type Options struct {
	// DataDir receives quarantined state files.
	DataDir string
	// StatePath is the persisted state file. Empty keeps the store in memory only.
	StatePath string
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

type Store struct {
	mu       sync.RWMutex
	t        *tables
	rowLocks *lock.MutexMap
	clock    *clock

	dataDir   string
	statePath string
}

// Open loads the state file when one exists. A corrupted file is quarantined and
// its .bak restored; without a usable backup the store starts empty.
func Open(opts Options) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		t:         newTables(),
		rowLocks:  lock.NewMutexMap(),
		clock:     &clock{now: now},
		dataDir:   opts.DataDir,
		statePath: opts.StatePath,
	}
	if s.statePath == "" {
		return s, nil
	}

	state, err := readState(s.statePath)
	if err != nil && !os.IsNotExist(err) {
		if _, _, rerr := yamlutil.RecoverCorruptedFile(s.dataDir, s.statePath, yamlutil.FileTypeLedgerState); rerr != nil {
			return nil, fmt.Errorf("recover state %s: %w (load error: %v)", s.statePath, rerr, err)
		}
		state, err = readState(s.statePath)
	}
	switch {
	case err == nil:
		s.t = state.toTables()
		s.clock.last = state.latestTimestamp()
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("load state %s: %w", s.statePath, err)
	}
	return s, nil
}

// New returns an empty in-memory store.
func New() *Store {
	s, _ := Open(Options{})
	return s
}

// Read runs fn against a consistent committed snapshot. Readers take no row locks.
func (s *Store) Read(ctx context.Context, fn func(View) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(View{t: s.t})
}

// Begin starts a transaction. Callers must Commit or Rollback it.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{s: s, ctx: ctx}, nil
}

// persistLocked writes the committed state. Caller holds s.mu for writing.
func (s *Store) persistLocked() error {
	if s.statePath == "" {
		return nil
	}
	return yamlutil.AtomicWrite(s.statePath, fromTables(s.t))
}

// stateFile is the on-disk layout of the store.
type stateFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Tasks                 []model.Task       `yaml:"tasks"`
	Materials             []model.Material   `yaml:"materials"`
	Actors                []model.Actor      `yaml:"actors"`
	PlanItems             []model.PlanItem   `yaml:"plan_items"`
	ExecItems             []model.ExecItem   `yaml:"exec_items"`
	Actions               []model.Action     `yaml:"actions"`
	Sessions              []model.Session    `yaml:"sessions"`
	Snapshots             []model.Snapshot   `yaml:"snapshots"`
	Audits                []model.AuditEntry `yaml:"audits"`
	AuditSeq              int64              `yaml:"audit_seq"`
}

func readState(path string) (*stateFile, error) {
	var state stateFile
	if err := yamlutil.ReadFile(path, &state); err != nil {
		return nil, err
	}
	if err := state.Validate(yamlutil.FileTypeLedgerState); err != nil {
		return nil, fmt.Errorf("state header: %w", err)
	}
	return &state, nil
}

func fromTables(t *tables) *stateFile {
	st := &stateFile{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeLedgerState),
		Actions:      t.actions,
		Audits:       t.audits,
		AuditSeq:     t.auditSeq,
	}
	for _, task := range t.tasks {
		st.Tasks = append(st.Tasks, task)
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].ID < st.Tasks[j].ID })
	for _, m := range t.materials {
		st.Materials = append(st.Materials, m)
	}
	sortMaterials(st.Materials)
	for _, a := range t.actors {
		st.Actors = append(st.Actors, a)
	}
	sort.Slice(st.Actors, func(i, j int) bool { return st.Actors[i].ID < st.Actors[j].ID })
	taskIDs := make([]string, 0, len(t.plan))
	for id := range t.plan {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		st.PlanItems = append(st.PlanItems, t.plan[id]...)
	}
	for _, item := range t.execItems {
		st.ExecItems = append(st.ExecItems, item)
	}
	sort.Slice(st.ExecItems, func(i, j int) bool {
		a, b := st.ExecItems[i], st.ExecItems[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.MaterialID < b.MaterialID
	})
	for _, sess := range t.sessions {
		st.Sessions = append(st.Sessions, sess)
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].StartedAt.Before(st.Sessions[j].StartedAt) })
	for _, snap := range t.snapshots {
		st.Snapshots = append(st.Snapshots, snap)
	}
	sort.Slice(st.Snapshots, func(i, j int) bool {
		a, b := st.Snapshots[i], st.Snapshots[j]
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		return a.MaterialID < b.MaterialID
	})
	return st
}

func (st *stateFile) toTables() *tables {
	t := newTables()
	for _, task := range st.Tasks {
		t.tasks[task.ID] = task
	}
	for _, m := range st.Materials {
		t.materials[m.ID] = m
	}
	for _, a := range st.Actors {
		t.actors[a.ID] = a
	}
	for _, p := range st.PlanItems {
		t.plan[p.TaskID] = append(t.plan[p.TaskID], p)
	}
	for _, item := range st.ExecItems {
		t.execItems[execKey{item.TaskID, item.MaterialID}] = item
	}
	for _, a := range st.Actions {
		t.appendAction(a)
	}
	for _, sess := range st.Sessions {
		t.sessions[sess.ID] = sess
	}
	for _, snap := range st.Snapshots {
		t.snapshots[snapKey{snap.SessionID, snap.MaterialID}] = snap
	}
	t.audits = append(t.audits, st.Audits...)
	sort.Slice(t.audits, func(i, j int) bool { return t.audits[i].ID < t.audits[j].ID })
	t.auditSeq = st.AuditSeq
	if n := len(t.audits); n > 0 && t.audits[n-1].ID > t.auditSeq {
		t.auditSeq = t.audits[n-1].ID
	}
	return t
}

// latestTimestamp keeps the clock monotonic across restarts.
func (st *stateFile) latestTimestamp() time.Time {
	var last time.Time
	bump := func(ts time.Time) {
		if ts.After(last) {
			last = ts
		}
	}
	for _, a := range st.Actions {
		bump(a.CreatedAt)
	}
	for _, s := range st.Sessions {
		bump(s.StartedAt)
	}
	for _, task := range st.Tasks {
		if task.StartedAt != nil {
			bump(*task.StartedAt)
		}
	}
	return last
}
