// Package gateway is the single entry point for reads and writes of
// workflow and batch data. Every mutation is applied to the local cache
// optimistically, then dispatched to the remote store; connectivity
// failures queue the write for replay instead of surfacing an error.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bakeline/batch-sync/internal/cache"
	apperrors "github.com/bakeline/batch-sync/internal/errors"
	"github.com/bakeline/batch-sync/internal/models"
	"github.com/bakeline/batch-sync/internal/queue"
	"github.com/bakeline/batch-sync/internal/remote"
	"github.com/bakeline/batch-sync/internal/state"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"
)

// RemoteStore is the remote backend surface the gateway needs.
// *remote.Store satisfies this interface.
type RemoteStore interface {
	queue.Dispatcher
	Select(ctx context.Context, table string, match map[string]any, result any) error
}

// Config identifies the session and names the remote tables.
type Config struct {
	UserID     string
	LocationID string
	DeviceName string

	WorkflowsTable string
	BatchesTable   string
	MembersTable   string
}

// Gateway resolves the data scope (personal vs shared location) for
// every operation and delegates to cache + queue.
type Gateway struct {
	remote    RemoteStore
	queue     *queue.Queue
	store     *state.Store
	workflows *cache.Collection[models.Workflow]
	batches   *cache.Collection[models.Batch]
	logger    *slog.Logger
	cfg       Config

	scopeMu sync.Mutex
	scope   *models.Scope
}

// New creates a gateway. The caches must already be constructed; call
// their Load before first use so reads never start blank.
func New(
	rs RemoteStore,
	q *queue.Queue,
	store *state.Store,
	workflows *cache.Collection[models.Workflow],
	batches *cache.Collection[models.Batch],
	cfg Config,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		remote:    rs,
		queue:     q,
		store:     store,
		workflows: workflows,
		batches:   batches,
		logger:    logger,
		cfg:       cfg,
	}
}

// --- reads ---

// Workflows returns deep copies of all cached workflows.
func (g *Gateway) Workflows() []models.Workflow {
	return g.workflows.All()
}

// Workflow returns a deep copy of one workflow.
func (g *Gateway) Workflow(id string) (models.Workflow, error) {
	w, ok := g.workflows.Get(id)
	if !ok {
		return models.Workflow{}, fmt.Errorf("workflow %s: %w", id, apperrors.ErrNotFound)
	}

	return w, nil
}

// Batches returns deep copies of all cached batches.
func (g *Gateway) Batches() []models.Batch {
	return g.batches.All()
}

// Batch returns a deep copy of one batch.
func (g *Gateway) Batch(id string) (models.Batch, error) {
	b, ok := g.batches.Get(id)
	if !ok {
		return models.Batch{}, fmt.Errorf("batch %s: %w", id, apperrors.ErrNotFound)
	}

	return b, nil
}

// SearchWorkflows returns workflows whose name contains the query,
// case-insensitively. Both sides are NFC-normalized first: workflow
// names typed on iOS arrive in NFD and would otherwise never match.
func (g *Gateway) SearchWorkflows(query string) []models.Workflow {
	q := strings.ToLower(norm.NFC.String(query))

	var out []models.Workflow

	for _, w := range g.workflows.All() {
		if strings.Contains(strings.ToLower(norm.NFC.String(w.Name)), q) {
			out = append(out, w)
		}
	}

	return out
}

// --- workflow mutations ---

// SaveWorkflow creates or replaces a workflow. Last writer wins via
// upsert; there is no merge of concurrent offline edits.
func (g *Gateway) SaveWorkflow(ctx context.Context, w models.Workflow) (models.Workflow, error) {
	scope := g.resolveScope(ctx)

	if w.ID == "" {
		w.ID = ulid.Make().String()
	}

	w.Name = norm.NFC.String(w.Name)
	w.OwnerID = scope.UserID
	w.LocationID = scope.LocationID
	w.UpdatedAt = time.Now().UTC()

	g.workflows.Put(w)

	payload, err := toRow(w)
	if err != nil {
		return models.Workflow{}, err
	}

	return w, g.send(ctx, queue.Operation{
		Kind:    queue.KindUpsert,
		Table:   g.cfg.WorkflowsTable,
		Payload: payload,
	})
}

// DeleteWorkflow removes a workflow locally and remotely.
func (g *Gateway) DeleteWorkflow(ctx context.Context, id string) error {
	g.workflows.Remove(id)

	return g.send(ctx, queue.Operation{
		Kind:  queue.KindDelete,
		Table: g.cfg.WorkflowsTable,
		Match: map[string]any{"id": id},
	})
}

// --- batch mutations ---

// StartBatch begins a new run of a workflow, claimed by this device.
func (g *Gateway) StartBatch(ctx context.Context, workflowID, name string) (models.Batch, error) {
	w, err := g.Workflow(workflowID)
	if err != nil {
		return models.Batch{}, err
	}

	scope := g.resolveScope(ctx)

	if name == "" {
		name = w.Name
	}

	b := models.Batch{
		ID:         ulid.Make().String(),
		WorkflowID: w.ID,
		Name:       norm.NFC.String(name),
		Status:     models.BatchRunning,
		Steps:      make([]models.BatchStep, len(w.Steps)),
		ClaimedBy:  g.cfg.DeviceName,
		OwnerID:    scope.UserID,
		LocationID: scope.LocationID,
		StartedAt:  time.Now().UTC(),
	}

	g.batches.Put(b)

	payload, err := toRow(b)
	if err != nil {
		return models.Batch{}, err
	}

	return b, g.send(ctx, queue.Operation{
		Kind:    queue.KindInsert,
		Table:   g.cfg.BatchesTable,
		Payload: payload,
	})
}

// ClaimBatch takes over a running batch for this device.
func (g *Gateway) ClaimBatch(ctx context.Context, batchID string) error {
	b, err := g.runningBatch(batchID)
	if err != nil {
		return err
	}

	b.ClaimedBy = g.cfg.DeviceName
	g.batches.Put(b)

	return g.send(ctx, queue.Operation{
		Kind:    queue.KindUpdate,
		Table:   g.cfg.BatchesTable,
		Payload: map[string]any{"claimed_by": b.ClaimedBy},
		Match:   map[string]any{"id": b.ID},
	})
}

// UpdateBatchStep records that the batch has advanced to stepIndex,
// marking the step before it complete. The cache reflects the change
// immediately regardless of remote outcome.
func (g *Gateway) UpdateBatchStep(ctx context.Context, batchID string, stepIndex int) error {
	b, err := g.runningBatch(batchID)
	if err != nil {
		return err
	}

	if stepIndex < 0 || stepIndex > len(b.Steps) {
		return fmt.Errorf("step index %d out of range for batch %s", stepIndex, batchID)
	}

	b.CurrentStepIndex = stepIndex

	if stepIndex > 0 {
		now := time.Now().UTC()
		b.Steps[stepIndex-1].CompletedAt = &now
	}

	g.batches.Put(b)

	return g.send(ctx, queue.Operation{
		Kind: queue.KindUpdate,
		Table: g.cfg.BatchesTable,
		Payload: map[string]any{
			"current_step_index": b.CurrentStepIndex,
			"steps":              stepsValue(b.Steps),
		},
		Match: map[string]any{"id": b.ID},
	})
}

// StartStepTimer records the start of the timer on one step.
func (g *Gateway) StartStepTimer(ctx context.Context, batchID string, stepIndex int) error {
	b, err := g.runningBatch(batchID)
	if err != nil {
		return err
	}

	if stepIndex < 0 || stepIndex >= len(b.Steps) {
		return fmt.Errorf("step index %d out of range for batch %s", stepIndex, batchID)
	}

	now := time.Now().UTC()
	b.Steps[stepIndex].TimerStartedAt = &now
	g.batches.Put(b)

	return g.send(ctx, queue.Operation{
		Kind: queue.KindUpdate,
		Table: g.cfg.BatchesTable,
		Payload: map[string]any{
			"steps": stepsValue(b.Steps),
		},
		Match: map[string]any{"id": b.ID},
	})
}

// CheckStepItem toggles one checklist item on a step.
func (g *Gateway) CheckStepItem(ctx context.Context, batchID string, stepIndex, item int, checked bool) error {
	b, err := g.runningBatch(batchID)
	if err != nil {
		return err
	}

	if stepIndex < 0 || stepIndex >= len(b.Steps) {
		return fmt.Errorf("step index %d out of range for batch %s", stepIndex, batchID)
	}

	items := b.Steps[stepIndex].CheckedItems
	if checked {
		found := false

		for _, v := range items {
			if v == item {
				found = true

				break
			}
		}

		if !found {
			items = append(items, item)
		}
	} else {
		kept := items[:0]

		for _, v := range items {
			if v != item {
				kept = append(kept, v)
			}
		}

		items = kept
	}

	b.Steps[stepIndex].CheckedItems = items
	g.batches.Put(b)

	return g.send(ctx, queue.Operation{
		Kind: queue.KindUpdate,
		Table: g.cfg.BatchesTable,
		Payload: map[string]any{
			"steps": stepsValue(b.Steps),
		},
		Match: map[string]any{"id": b.ID},
	})
}

// CompleteBatch marks a batch finished.
func (g *Gateway) CompleteBatch(ctx context.Context, batchID string) error {
	return g.finishBatch(ctx, batchID, models.BatchComplete)
}

// AbandonBatch marks a batch abandoned.
func (g *Gateway) AbandonBatch(ctx context.Context, batchID string) error {
	return g.finishBatch(ctx, batchID, models.BatchAbandoned)
}

func (g *Gateway) finishBatch(ctx context.Context, batchID string, status models.BatchStatus) error {
	b, err := g.runningBatch(batchID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	b.Status = status
	b.CompletedAt = &now
	g.batches.Put(b)

	return g.send(ctx, queue.Operation{
		Kind: queue.KindUpdate,
		Table: g.cfg.BatchesTable,
		Payload: map[string]any{
			"status":       string(status),
			"completed_at": now.Format(time.RFC3339Nano),
		},
		Match: map[string]any{"id": b.ID},
	})
}

// DeleteBatch removes a batch locally and remotely.
func (g *Gateway) DeleteBatch(ctx context.Context, batchID string) error {
	g.batches.Remove(batchID)

	return g.send(ctx, queue.Operation{
		Kind:  queue.KindDelete,
		Table: g.cfg.BatchesTable,
		Match: map[string]any{"id": batchID},
	})
}

// --- refresh ---

// Refresh pulls both collections from the remote store and replaces the
// cache snapshots wholesale. It never returns an error: a failed pull
// leaves the previous snapshot untouched, and stale data is an
// acceptable degraded state for the UI.
func (g *Gateway) Refresh(ctx context.Context) {
	scope := g.resolveScope(ctx)
	match := scopeMatch(scope)

	var workflows []models.Workflow
	if err := g.remote.Select(ctx, g.cfg.WorkflowsTable, match, &workflows); err != nil {
		g.logger.Debug("workflow refresh failed, keeping cached snapshot",
			slog.String("error", err.Error()))
	} else {
		g.workflows.ReplaceAll(workflows)
	}

	var batches []models.Batch
	if err := g.remote.Select(ctx, g.cfg.BatchesTable, match, &batches); err != nil {
		g.logger.Debug("batch refresh failed, keeping cached snapshot",
			slog.String("error", err.Error()))
	} else {
		g.batches.ReplaceAll(batches)
	}
}

// --- scope resolution ---

// resolveScope decides whose data this session reads and writes. When a
// location is configured, membership is confirmed against the remote
// store once per session and the result persisted; if that check fails
// offline, the last persisted scope is used rather than failing the
// operation.
func (g *Gateway) resolveScope(ctx context.Context) models.Scope {
	g.scopeMu.Lock()
	if g.scope != nil {
		scope := *g.scope
		g.scopeMu.Unlock()

		return scope
	}
	g.scopeMu.Unlock()

	if g.cfg.LocationID == "" {
		scope := models.Scope{Kind: models.ScopePersonal, UserID: g.cfg.UserID}
		g.memoizeScope(scope)

		return scope
	}

	var rows []map[string]any

	err := g.remote.Select(ctx, g.cfg.MembersTable, map[string]any{
		"location_id": g.cfg.LocationID,
		"user_id":     g.cfg.UserID,
	}, &rows)
	if err != nil {
		if saved, serr := g.store.Scope(); serr == nil && saved != nil {
			g.logger.Debug("scope resolution failed, using last known scope",
				slog.String("error", err.Error()))

			return *saved
		}

		// Never synced and unreachable: degrade to personal scope so
		// the operation still proceeds.
		g.logger.Warn("scope resolution failed with no saved scope, using personal",
			slog.String("error", err.Error()))

		return models.Scope{Kind: models.ScopePersonal, UserID: g.cfg.UserID}
	}

	scope := models.Scope{Kind: models.ScopePersonal, UserID: g.cfg.UserID}
	if len(rows) > 0 {
		scope = models.Scope{
			Kind:       models.ScopeLocation,
			UserID:     g.cfg.UserID,
			LocationID: g.cfg.LocationID,
		}
	}

	g.memoizeScope(scope)

	return scope
}

// memoizeScope caches the resolved scope for the session and persists
// it as the offline fallback for future sessions.
func (g *Gateway) memoizeScope(scope models.Scope) {
	g.scopeMu.Lock()
	g.scope = &scope
	g.scopeMu.Unlock()

	if err := g.store.SetScope(scope); err != nil {
		g.logger.Warn("persisting scope", slog.String("error", err.Error()))
	}
}

// scopeMatch translates a scope into the remote match predicate that
// partitions rows.
func scopeMatch(scope models.Scope) map[string]any {
	if scope.Kind == models.ScopeLocation {
		return map[string]any{"location_id": scope.LocationID}
	}

	return map[string]any{"owner_id": scope.UserID}
}

// --- dispatch ---

// send attempts a mutation against the remote store. Connectivity
// failures queue the operation and report success to the caller (the
// cache already reflects the change); server rejections propagate on
// this interactive path.
func (g *Gateway) send(ctx context.Context, op queue.Operation) error {
	err := g.dispatch(ctx, op)
	if err == nil {
		return nil
	}

	if remote.IsRejection(err) {
		g.logger.Warn("mutation rejected by server",
			slog.String("kind", string(op.Kind)),
			slog.String("table", op.Table),
			slog.String("error", err.Error()))

		return err
	}

	// Network failure or unclassifiable: queue it. The queue applies
	// the same conservative classification during replay.
	g.queue.Enqueue(op)

	return nil
}

func (g *Gateway) dispatch(ctx context.Context, op queue.Operation) error {
	switch op.Kind {
	case queue.KindInsert:
		return g.remote.Insert(ctx, op.Table, op.Payload)
	case queue.KindUpdate:
		return g.remote.Update(ctx, op.Table, op.Payload, op.Match)
	case queue.KindUpsert:
		return g.remote.Upsert(ctx, op.Table, op.Payload)
	case queue.KindDelete:
		return g.remote.Delete(ctx, op.Table, op.Match)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// runningBatch fetches a batch that can still be mutated.
func (g *Gateway) runningBatch(batchID string) (models.Batch, error) {
	b, err := g.Batch(batchID)
	if err != nil {
		return models.Batch{}, err
	}

	if b.Status != models.BatchRunning {
		return models.Batch{}, fmt.Errorf("batch %s: %w", batchID, apperrors.ErrBatchComplete)
	}

	return b, nil
}

// toRow converts a model into the string-keyed payload the remote store
// and queue entries carry.
func toRow(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding row payload: %w", err)
	}

	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decoding row payload: %w", err)
	}

	return row, nil
}

// stepsValue converts batch steps into a JSON-compatible payload value
// for the steps column.
func stepsValue(steps []models.BatchStep) any {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}

	return v
}
