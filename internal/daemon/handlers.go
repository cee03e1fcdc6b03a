package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/msageha/taskledger/internal/catalog"
	"github.com/msageha/taskledger/internal/ledger"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/uds"
)

type taskParams struct {
	TaskID string `json:"task_id"`
}

type operatorParams struct {
	TaskID     string `json:"task_id"`
	OperatorID string `json:"operator_id"`
}

type sessionSummaryParams struct {
	TaskID     string `json:"task_id"`
	OperatorID string `json:"operator_id"`
	SessionID  string `json:"session_id,omitempty"`
}

type historyParams struct {
	TaskID  string            `json:"task_id"`
	Limit   int               `json:"limit,omitempty"`
	Before  *time.Time        `json:"before,omitempty"`
	Action  model.AuditAction `json:"action,omitempty"`
	ActorID string            `json:"actor_id,omitempty"`
}

type historyEntryParams struct {
	TaskID  string `json:"task_id"`
	AuditID int64  `json:"audit_id"`
}

type materialHistoryParams struct {
	TaskID string `json:"task_id"`
	Limit  int    `json:"limit,omitempty"`
}

// deltaParams keeps delta raw so a string, a fraction or an out-of-range
// number all reach the ledger's own validation.
type deltaParams struct {
	ActionID   string          `json:"action_id"`
	TaskID     string          `json:"task_id"`
	MaterialID string          `json:"material_id"`
	ActorID    string          `json:"actor_id"`
	Delta      json.RawMessage `json:"delta"`
}

func (p deltaParams) request() ledger.DeltaRequest {
	return ledger.DeltaRequest{
		ActionID:   p.ActionID,
		TaskID:     p.TaskID,
		MaterialID: p.MaterialID,
		ActorID:    p.ActorID,
		Delta:      rawDeltaText(p.Delta),
	}
}

func rawDeltaText(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return text
}

type okResult struct {
	OK bool `json:"ok"`
}

type deltaResult struct {
	OK bool `json:"ok"`
	ledger.DeltaResult
}

type summaryResult struct {
	OK    bool                 `json:"ok"`
	Items []ledger.SummaryItem `json:"items"`
}

type sessionSummaryResult struct {
	OK        bool                 `json:"ok"`
	SessionID string               `json:"session_id,omitempty"`
	Items     []ledger.SessionItem `json:"items"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("shutdown", func(ctx context.Context, req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("task_start", d.handleTaskStart)
	d.server.Handle("task_header", d.handleTaskHeader)
	d.server.Handle("task_history", d.handleTaskHistory)
	d.server.Handle("task_history_entry", d.handleTaskHistoryEntry)
	d.server.Handle("material_history", d.handleMaterialHistory)
	d.server.Handle("delta_apply", d.handleDeltaApply)
	d.server.Handle("summary", d.handleSummary)
	d.server.Handle("session_create", d.handleSessionCreate)
	d.server.Handle("session_summary", d.handleSessionSummary)
	d.server.Handle("materials", d.handleMaterials)
	d.server.Handle("catalog_reload", d.handleCatalogReload)
}

func (d *Daemon) handleTaskStart(ctx context.Context, req *uds.Request) *uds.Response {
	var p operatorParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	if err := d.ledger.StartTask(ctx, p.TaskID, p.OperatorID); err != nil {
		return d.errorResponse("task_start", err)
	}
	d.log(LogLevelInfo, "task_start task=%s operator=%s", p.TaskID, p.OperatorID)
	return uds.SuccessResponse(okResult{OK: true})
}

func (d *Daemon) handleTaskHeader(ctx context.Context, req *uds.Request) *uds.Response {
	var p taskParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	h, err := d.ledger.TaskHeader(ctx, p.TaskID)
	if err != nil {
		return d.errorResponse("task_header", err)
	}
	return uds.SuccessResponse(h)
}

func (d *Daemon) handleTaskHistory(ctx context.Context, req *uds.Request) *uds.Response {
	var p historyParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	q := ledger.HistoryQuery{Limit: p.Limit, Action: p.Action, ActorID: p.ActorID}
	if p.Before != nil {
		q.Before = *p.Before
	}
	page, err := d.ledger.TaskHistory(ctx, p.TaskID, q)
	if err != nil {
		return d.errorResponse("task_history", err)
	}
	return uds.SuccessResponse(page)
}

func (d *Daemon) handleTaskHistoryEntry(ctx context.Context, req *uds.Request) *uds.Response {
	var p historyEntryParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	entry, err := d.ledger.TaskHistoryEntry(ctx, p.TaskID, p.AuditID)
	if err != nil {
		return d.errorResponse("task_history_entry", err)
	}
	return uds.SuccessResponse(entry)
}

func (d *Daemon) handleMaterialHistory(ctx context.Context, req *uds.Request) *uds.Response {
	var p materialHistoryParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	items, err := d.ledger.MaterialHistory(ctx, p.TaskID, p.Limit)
	if err != nil {
		return d.errorResponse("material_history", err)
	}
	return uds.SuccessResponse(map[string]any{"items": items})
}

func (d *Daemon) handleDeltaApply(ctx context.Context, req *uds.Request) *uds.Response {
	var p deltaParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	res, err := d.ledger.ApplyDelta(ctx, p.request())
	if err != nil {
		return d.errorResponse("delta_apply", err)
	}
	d.log(LogLevelDebug, "delta_apply task=%s material=%s actor=%s action=%s idempotent=%t",
		p.TaskID, p.MaterialID, p.ActorID, res.ActionID, res.Idempotent)
	return uds.SuccessResponse(deltaResult{OK: true, DeltaResult: res})
}

func (d *Daemon) handleSummary(ctx context.Context, req *uds.Request) *uds.Response {
	var p taskParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	sum, err := d.ledger.TaskExecSummary(ctx, p.TaskID)
	if err != nil {
		return d.errorResponse("summary", err)
	}
	return uds.SuccessResponse(summaryResult{OK: true, Items: sum.Items})
}

func (d *Daemon) handleSessionCreate(ctx context.Context, req *uds.Request) *uds.Response {
	var p operatorParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	res, err := d.ledger.CreateOperatorSession(ctx, p.TaskID, p.OperatorID)
	if err != nil {
		return d.errorResponse("session_create", err)
	}
	if !res.OK {
		d.log(LogLevelWarn, "session_create task=%s operator=%s reason=%s", p.TaskID, p.OperatorID, res.Reason)
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleSessionSummary(ctx context.Context, req *uds.Request) *uds.Response {
	var p sessionSummaryParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	sum, err := d.ledger.OperatorSessionSummary(ctx, p.TaskID, p.OperatorID, p.SessionID)
	if err != nil {
		return d.errorResponse("session_summary", err)
	}
	return uds.SuccessResponse(sessionSummaryResult{OK: true, SessionID: sum.SessionID, Items: sum.Items})
}

func (d *Daemon) handleMaterials(ctx context.Context, req *uds.Request) *uds.Response {
	ms, err := d.ledger.ListMaterials(ctx)
	if err != nil {
		return d.errorResponse("materials", err)
	}
	return uds.SuccessResponse(map[string]any{"items": ms})
}

func (d *Daemon) handleCatalogReload(ctx context.Context, req *uds.Request) *uds.Response {
	err := d.catalog.Trigger(ctx)
	var verrs *catalog.ValidationErrors
	switch {
	case err == nil:
		return uds.SuccessResponse(okResult{OK: true})
	case errors.Is(err, os.ErrNotExist):
		return uds.ErrorResponse(uds.ErrCodeNotFound, "catalog file not found")
	case errors.As(err, &verrs):
		return uds.ErrorResponse(uds.ErrCodeValidation, verrs.Error())
	default:
		return d.errorResponse("catalog_reload", err)
	}
}

func decode(req *uds.Request, v any) *uds.Response {
	if err := req.DecodeParams(v); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return nil
}

// errorResponse maps domain errors to their codes. Anything else is logged
// and reported without detail.
func (d *Daemon) errorResponse(command string, err error) *uds.Response {
	if kind, ok := ledger.KindOf(err); ok {
		var e *ledger.Error
		errors.As(err, &e)
		d.log(LogLevelDebug, "%s rejected code=%s: %s", command, kind, e.Msg)
		return uds.ErrorResponse(codeFor(kind), e.Msg)
	}
	if d.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	d.log(LogLevelError, "%s failed: %v", command, err)
	return uds.ErrorResponse(uds.ErrCodeInternal, "internal error")
}

func codeFor(kind ledger.Kind) string {
	switch kind {
	case ledger.KindNotFound:
		return uds.ErrCodeNotFound
	case ledger.KindForbidden:
		return uds.ErrCodeForbidden
	default:
		return uds.ErrCodeConflict
	}
}
