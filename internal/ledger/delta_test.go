package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskledger/internal/events"
)

func TestApplyDeltaValidation(t *testing.T) {
	valid := func() DeltaRequest {
		return DeltaRequest{ActionID: uuid.NewString(), TaskID: taskT, MaterialID: matM, ActorID: opO1, Delta: "1"}
	}
	tests := []struct {
		name   string
		mutate func(*DeltaRequest)
		kind   Kind
	}{
		{"missing action id", func(r *DeltaRequest) { r.ActionID = "" }, KindConflict},
		{"missing task id", func(r *DeltaRequest) { r.TaskID = " " }, KindConflict},
		{"missing material id", func(r *DeltaRequest) { r.MaterialID = "" }, KindConflict},
		{"missing actor id", func(r *DeltaRequest) { r.ActorID = "" }, KindConflict},
		{"missing delta", func(r *DeltaRequest) { r.Delta = "" }, KindConflict},
		{"non-numeric delta", func(r *DeltaRequest) { r.Delta = "abc" }, KindConflict},
		{"fractional delta", func(r *DeltaRequest) { r.Delta = "1.5" }, KindConflict},
		{"zero", func(r *DeltaRequest) { r.Delta = "0" }, KindConflict},
		{"minus two", func(r *DeltaRequest) { r.Delta = "-2" }, KindConflict},
		{"above bound", func(r *DeltaRequest) { r.Delta = "1001" }, KindConflict},
		{"below bound", func(r *DeltaRequest) { r.Delta = "-1001" }, KindConflict},
		{"huge", func(r *DeltaRequest) { r.Delta = "99999999999999999999" }, KindConflict},
		{"malformed actor", func(r *DeltaRequest) { r.ActorID = "op1" }, KindForbidden},
		{"bounds checked before actor", func(r *DeltaRequest) { r.ActorID = "op1"; r.Delta = "0" }, KindConflict},
		{"unknown actor", func(r *DeltaRequest) { r.ActorID = uuid.NewString() }, KindForbidden},
		{"unknown task", func(r *DeltaRequest) { r.TaskID = uuid.NewString() }, KindNotFound},
		{"task not in progress", func(r *DeltaRequest) { r.TaskID = taskU }, KindConflict},
		{"unknown material", func(r *DeltaRequest) { r.MaterialID = uuid.NewString() }, KindNotFound},
		{"inactive material", func(r *DeltaRequest) { r.MaterialID = matOff }, KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := started(t)
			req := valid()
			tt.mutate(&req)

			_, err := f.svc.ApplyDelta(f.ctx, req)
			kind, ok := KindOf(err)
			require.True(t, ok, "expected domain error, got %v", err)
			assert.Equal(t, tt.kind, kind, "message: %v", err)
			assert.Equal(t, 5, f.current(matM), "failed calls write nothing")
		})
	}
}

func TestApplyDeltaLegalRange(t *testing.T) {
	f := started(t)
	total := 5
	for _, d := range []string{"1", "1000", " 7 ", "3.0", "1e2"} {
		_, err := f.apply(opO1, matM, d)
		require.NoError(t, err, "delta %q", d)
	}
	total += 1 + 1000 + 7 + 3 + 100
	assert.Equal(t, total, f.current(matM))
}

func TestApplyDeltaIdempotent(t *testing.T) {
	f := started(t)
	req := DeltaRequest{ActionID: uuid.NewString(), TaskID: taskT, MaterialID: matM, ActorID: opO1, Delta: "3"}

	res, err := f.svc.ApplyDelta(f.ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Idempotent)
	assert.Equal(t, req.ActionID, res.ActionID)
	assert.Equal(t, 8, f.current(matM))

	res, err = f.svc.ApplyDelta(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, 8, f.current(matM))

	req.ActionID = strings.ToUpper(req.ActionID)
	res, err = f.svc.ApplyDelta(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Idempotent, "action ids compare case-insensitively")
	assert.Equal(t, 8, f.current(matM))

	n := 0
	for _, typ := range f.pub.types() {
		if typ == events.EventDeltaApplied {
			n++
		}
	}
	assert.Equal(t, 1, n, "replays publish nothing")
}

func TestApplyDeltaIdempotencyCheckedBeforeMaterial(t *testing.T) {
	f := started(t)
	req := DeltaRequest{ActionID: uuid.NewString(), TaskID: taskT, MaterialID: matM, ActorID: opO1, Delta: "1"}
	_, err := f.svc.ApplyDelta(f.ctx, req)
	require.NoError(t, err)

	seed := baseSeed()
	seed.Materials[0].Active = false
	_, err = f.store.ApplySeed(f.ctx, seed)
	require.NoError(t, err)

	res, err := f.svc.ApplyDelta(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
}

func TestApplyDeltaNonCanonicalActionID(t *testing.T) {
	f := started(t)
	req := DeltaRequest{ActionID: "click-1", TaskID: taskT, MaterialID: matM, ActorID: opO1, Delta: "1"}

	r1, err := f.svc.ApplyDelta(f.ctx, req)
	require.NoError(t, err)
	r2, err := f.svc.ApplyDelta(f.ctx, req)
	require.NoError(t, err)

	assert.False(t, r1.Idempotent)
	assert.False(t, r2.Idempotent, "non-UUID ids are not deduplicated")
	assert.NotEqual(t, r1.ActionID, r2.ActionID)
	_, err = uuid.Parse(r1.ActionID)
	assert.NoError(t, err, "server generates a UUID")
	assert.Equal(t, 7, f.current(matM))
}

func TestDecrementGuard(t *testing.T) {
	f := started(t)
	f.session(opO1)

	_, err := f.apply(opO1, matM, "-1")
	require.True(t, IsConflict(err), "fresh session: %v", err)
	assert.Contains(t, err.Error(), "cannot decrement more than you added")

	f.mustApply(opO1, matM, "1")
	f.mustApply(opO1, matM, "-1")

	_, err = f.apply(opO1, matM, "-1")
	assert.True(t, IsConflict(err), "second decrement: %v", err)
	assert.Equal(t, 5, f.current(matM))
}

func TestDecrementRequiresSession(t *testing.T) {
	f := started(t)
	f.mustApply(opO1, matM, "2")

	_, err := f.apply(opO1, matM, "-1")
	require.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "no operator session")
}

func TestDecrementGuardIgnoresOtherOperators(t *testing.T) {
	f := started(t)
	f.session(opO1)
	f.session(opO2)
	f.mustApply(opO2, matM, "5")

	_, err := f.apply(opO1, matM, "-1")
	assert.True(t, IsConflict(err), "O1 cannot retract O2's units: %v", err)

	f.mustApply(opO2, matM, "-1")
}

func TestDecrementGuardIsPerMaterial(t *testing.T) {
	f := started(t)
	f.session(opO1)
	f.mustApply(opO1, matN, "1")

	_, err := f.apply(opO1, matM, "-1")
	assert.True(t, IsConflict(err), "got %v", err)
}

func TestDecrementGuardScopedToCurrentSession(t *testing.T) {
	f := started(t)
	f.session(opO1)
	f.mustApply(opO1, matM, "3")

	f.session(opO1)
	_, err := f.apply(opO1, matM, "-1")
	assert.True(t, IsConflict(err), "units from an earlier session cannot be retracted: %v", err)
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	f := started(t)
	req := DeltaRequest{ActionID: uuid.NewString(), TaskID: taskT, MaterialID: matM, ActorID: opO1, Delta: "4"}

	const n = 16
	results := make([]DeltaResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.ApplyDelta(f.ctx, req)
		}()
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Idempotent {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 9, f.current(matM))
}

func TestSameActionIDOnTwoTasksIsIdempotent(t *testing.T) {
	f := started(t)
	require.NoError(t, f.svc.StartTask(f.ctx, taskU, opO2))
	id := uuid.NewString()

	_, err := f.svc.ApplyDelta(f.ctx, DeltaRequest{ActionID: id, TaskID: taskT, MaterialID: matM, ActorID: opO1, Delta: "1"})
	require.NoError(t, err)
	res, err := f.svc.ApplyDelta(f.ctx, DeltaRequest{ActionID: id, TaskID: taskU, MaterialID: matM, ActorID: opO2, Delta: "1"})
	require.NoError(t, err)
	assert.True(t, res.Idempotent, "action ids are unique across tasks")
}

func TestConcurrentDeltasAcrossActors(t *testing.T) {
	f := started(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		actor := opO1
		if i%2 == 1 {
			actor = opO2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.apply(actor, matN, "2")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 40, f.current(matN))
}

func TestApplyDeltaLockTimeout(t *testing.T) {
	f := started(t)
	svc := NewService(f.store, Options{LockTimeout: 50 * time.Millisecond})

	holder, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	_, err = holder.LockTask(taskT)
	require.NoError(t, err)
	defer holder.Rollback()

	_, err = svc.ApplyDelta(f.ctx, DeltaRequest{ActionID: uuid.NewString(), TaskID: taskT, MaterialID: matM, ActorID: opO1, Delta: "1"})
	require.Error(t, err)
	_, isDomain := KindOf(err)
	assert.False(t, isDomain, "a lock timeout is an internal failure")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestParseDelta(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"1", 1, true},
		{"-1", -1, true},
		{"+3", 3, true},
		{" 12 ", 12, true},
		{"2.0", 2, true},
		{"1e3", 1000, true},
		{"2.5", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"", 0, false},
		{"0x10", 0, false},
		{"1e30", MaxDeltaAbs + 1, true},
		{"-1e30", -(MaxDeltaAbs + 1), true},
	}
	for _, tt := range tests {
		got, ok := parseDelta(tt.in)
		assert.Equal(t, tt.ok, ok, "parseDelta(%q)", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "parseDelta(%q)", tt.in)
		}
	}
}
