package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
)

const (
	taskT  = "6f1c2a4e-1b2c-4d3e-8f40-5a6b7c8d9e01"
	taskU  = "6f1c2a4e-1b2c-4d3e-8f40-5a6b7c8d9e02"
	opO1   = "0b6e3c0a-7d1e-4a2b-9c3d-1e2f3a4b5c01"
	opO2   = "0b6e3c0a-7d1e-4a2b-9c3d-1e2f3a4b5c02"
	matM   = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c01"
	matN   = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c02"
	matOff = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c03"
)

type published struct {
	Type events.EventType
	Data map[string]interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(t events.EventType, data map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{t, data})
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	svc   *Service
	pub   *recordingPublisher
}

// baseSeed: task T (operator O1) plans 5 of M and 2 of the inactive material;
// task U (operator O2) has no plan. N is active and unplanned.
func baseSeed() store.Seed {
	return store.Seed{
		Actors: []model.Actor{{ID: opO1, Login: "op1"}, {ID: opO2, Login: "op2"}},
		Materials: []model.Material{
			{ID: matM, Number: 1, Name: "Cable", Unit: "m", Active: true},
			{ID: matN, Number: 2, Name: "Pallet", Unit: "pcs", Active: true},
			{ID: matOff, Number: 3, Name: "Retired", Unit: "pcs", Active: false},
		},
		Tasks: []model.Task{
			{ID: taskT, TaskNo: "T-1", OperatorID: opO1, VehiclePlate: "WX 12345"},
			{ID: taskU, TaskNo: "T-2", OperatorID: opO2},
		},
		PlanItems: []model.PlanItem{
			{TaskID: taskT, MaterialID: matM, Qty: 5},
			{TaskID: taskT, MaterialID: matOff, Qty: 2},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New()
	_, err := st.ApplySeed(context.Background(), baseSeed())
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: st,
		svc:   NewService(st, Options{Publisher: pub}),
		pub:   pub,
	}
}

// started returns a fixture whose task T is IN_PROGRESS.
func started(t *testing.T) *fixture {
	f := newFixture(t)
	require.NoError(t, f.svc.StartTask(f.ctx, taskT, opO1))
	return f
}

func (f *fixture) apply(actor, material string, delta string) (DeltaResult, error) {
	return f.svc.ApplyDelta(f.ctx, DeltaRequest{
		ActionID:   uuid.NewString(),
		TaskID:     taskT,
		MaterialID: material,
		ActorID:    actor,
		Delta:      delta,
	})
}

func (f *fixture) mustApply(actor, material string, delta string) {
	f.t.Helper()
	res, err := f.apply(actor, material, delta)
	require.NoError(f.t, err)
	require.False(f.t, res.Idempotent)
}

func (f *fixture) session(operator string) string {
	f.t.Helper()
	res, err := f.svc.CreateOperatorSession(f.ctx, taskT, operator)
	require.NoError(f.t, err)
	require.True(f.t, res.OK)
	return res.SessionID
}

func (f *fixture) current(material string) int {
	f.t.Helper()
	sum, err := f.svc.TaskExecSummary(f.ctx, taskT)
	require.NoError(f.t, err)
	for _, it := range sum.Items {
		if it.MaterialID == material {
			return it.Current
		}
	}
	f.t.Fatalf("material %s not in summary", material)
	return 0
}

func itemFor(t *testing.T, items []SessionItem, material string) SessionItem {
	t.Helper()
	for _, it := range items {
		if it.MaterialID == material {
			return it
		}
	}
	t.Fatalf("material %s not in session summary", material)
	return SessionItem{}
}
