// Package sync provides the synchronization engine between the local cache
// and the remote system of record.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/mgalindo/bookhub/internal/entity"
	"github.com/mgalindo/bookhub/internal/logger"
	"github.com/mgalindo/bookhub/internal/mirror"
	"github.com/mgalindo/bookhub/internal/store"
	"github.com/mgalindo/bookhub/internal/webhook"
)

// ErrSyncInProgress is returned when a cycle trigger arrives while a cycle
// is already in flight. The trigger is dropped, not queued.
var ErrSyncInProgress = errors.New("sync cycle already in flight")

// Options configures the engine's loops and retention.
type Options struct {
	// SyncInterval is the period between full pull cycles.
	SyncInterval time.Duration
	// DrainInterval is the period between write-back drain passes.
	DrainInterval time.Duration
	// TombstoneMaxAge is the safety-valve age after which unconfirmed
	// tombstones are purged.
	TombstoneMaxAge time.Duration
	// EventQueueSize is the event buffer capacity.
	EventQueueSize int
}

func (o *Options) applyDefaults() {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 15 * time.Minute
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 30 * time.Second
	}
	if o.TombstoneMaxAge <= 0 {
		o.TombstoneMaxAge = 48 * time.Hour
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 256
	}
}

// Engine orchestrates pull/push cycles between the local cache and the
// webhook, drains the write-back queue, and emits an event stream.
type Engine struct {
	store  *store.DB
	client *webhook.Client
	mirror mirror.Exporter // optional; failures are swallowed
	specs  []entity.Spec
	events *EventQueue
	queue  *writeQueue

	syncInterval    time.Duration
	drainInterval   time.Duration
	tombstoneMaxAge time.Duration

	// cycleMu is try-acquired: at most one cycle in flight, concurrent
	// triggers are dropped.
	cycleMu  gosync.Mutex
	online   atomic.Bool
	lastSync atomic.Int64 // unix seconds of the last completed cycle

	stopOnce gosync.Once
	stopCh   chan struct{}
}

// NewEngine creates a sync engine. exporter may be nil to disable the
// secondary mirror.
func NewEngine(st *store.DB, client *webhook.Client, exporter mirror.Exporter, specs []entity.Spec, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:           st,
		client:          client,
		mirror:          exporter,
		specs:           specs,
		events:          NewEventQueue(opts.EventQueueSize),
		queue:           newWriteQueue(),
		syncInterval:    opts.SyncInterval,
		drainInterval:   opts.DrainInterval,
		tombstoneMaxAge: opts.TombstoneMaxAge,
		stopCh:          make(chan struct{}),
	}
}

// Events returns the engine's event queue for observers to poll.
func (e *Engine) Events() *EventQueue {
	return e.events
}

// Online reports whether the last connectivity probe succeeded.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// LastSync returns the completion time of the last full cycle, or the zero
// time if no cycle has completed.
func (e *Engine) LastSync() time.Time {
	s := e.lastSync.Load()
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

// PendingWrites returns the number of writes waiting in the queue.
func (e *Engine) PendingWrites() int {
	return e.queue.len()
}

// QueueWrite submits an outbound mutation, fire and forget. Completion or
// failure is observable only through the event stream.
func (e *Engine) QueueWrite(action string, payload interface{}) {
	e.queue.push(&QueuedWrite{Action: action, Payload: payload})
	logger.Debug("sync: queued write %s", action)
}

// QueueRowWrite submits a push of a local row. When the write succeeds the
// row's dirty flag clears.
func (e *Engine) QueueRowWrite(spec entity.Spec, row entity.Row) {
	e.queue.push(&QueuedWrite{
		Action:  spec.PushAction,
		Payload: pushPayload(spec, row),
		Table:   spec.Table,
		Key:     spec.Key(row),
	})
	logger.Debug("sync: queued %s push for %q", spec.Table, spec.Key(row))
}

// Start launches the cycle loop and the write-drain loop.
func (e *Engine) Start(ctx context.Context) {
	go e.cycleLoop(ctx)
	go e.drainLoop(ctx)
}

// Stop prevents the next loop iterations from starting. A cycle already in
// flight runs to completion; there is no mid-cycle cancellation.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	logger.Debug("sync: engine stopped")
}

// TriggerSync requests an immediate cycle. If a cycle is already in flight
// the request is silently dropped.
func (e *Engine) TriggerSync(ctx context.Context) {
	go func() {
		if err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logger.Error("sync: forced cycle failed: %v", err)
		}
	}()
}

// cycleLoop runs full cycles on a ticker, with an immediate first cycle.
// Tombstone purging piggybacks on this loop.
func (e *Engine) cycleLoop(ctx context.Context) {
	if err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		logger.Warn("sync: initial cycle failed: %v", err)
	}

	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				logger.Warn("sync: cycle failed: %v", err)
			}
			if purged, err := e.store.PurgeTombstones(e.tombstoneMaxAge); err != nil {
				logger.Warn("sync: tombstone purge failed: %v", err)
			} else if purged > 0 {
				logger.Info("sync: purged %d expired tombstones", purged)
			}
		}
	}
}

// drainLoop drains the write-back queue on a ticker.
func (e *Engine) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.DrainWrites(ctx)
		}
	}
}

// RunCycle performs one full pull cycle in fixed order: connectivity probe,
// per-entity pulls, derived-index rebuild, best-effort mirror export.
// Returns ErrSyncInProgress if a cycle is already in flight.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.cycleMu.TryLock() {
		logger.Debug("sync: cycle already in flight, trigger dropped")
		return ErrSyncInProgress
	}
	defer e.cycleMu.Unlock()

	e.events.Publish(Event{Kind: EventSyncStarted})
	logger.Debug("sync: starting cycle")

	// One cheap remote call decides online/offline for the whole cycle.
	if err := e.client.Ping(ctx); err != nil {
		e.setOnline(false)
		e.events.Publish(Event{Kind: EventSyncError, Message: fmt.Sprintf("connectivity probe failed: %v", err)})
		logger.Warn("sync: connectivity probe failed, aborting cycle: %v", err)
		return fmt.Errorf("connectivity probe failed: %w", err)
	}
	e.setOnline(true)

	// Entity pulls run in fixed order; a single entity's failure is logged
	// and does not abort the cycle.
	failures := 0
	for _, spec := range e.specs {
		if err := e.pullEntity(ctx, spec); err != nil {
			failures++
			logger.Error("sync: pull failed for %s: %v", spec.Table, err)
			e.appendLog(store.SyncLogEntry{
				Table:     spec.Table,
				Direction: store.DirectionPull,
				Status:    store.StatusError,
				Error:     err.Error(),
			})
			e.events.Publish(Event{
				Kind:    EventSyncError,
				Table:   spec.Table,
				Message: fmt.Sprintf("pull failed for %s: %v", spec.Table, err),
			})
		}
	}

	// Derived structures rebuild from the now-fresh local data.
	if err := e.store.RebuildSearchIndex(e.specs); err != nil {
		logger.Error("sync: failed to rebuild search index: %v", err)
	}

	e.exportMirror()

	e.lastSync.Store(time.Now().Unix())
	e.events.Publish(Event{Kind: EventSyncComplete})
	logger.Debug("sync: cycle complete (%d pull failures)", failures)
	return nil
}

// pullEntity pulls one entity's snapshot, reconciles it into the store, and
// emits progress and diff events.
func (e *Engine) pullEntity(ctx context.Context, spec entity.Spec) error {
	before, err := e.store.NaturalKeys(spec)
	if err != nil {
		return fmt.Errorf("failed to snapshot existing keys: %w", err)
	}

	raw, err := e.client.Get(ctx, spec.PullAction, nil)
	if err != nil {
		return err
	}

	var remote []map[string]interface{}
	if err := json.Unmarshal(raw, &remote); err != nil {
		return fmt.Errorf("malformed %s payload: %w", spec.Table, err)
	}

	rows := make([]entity.Row, 0, len(remote))
	for _, m := range remote {
		row, err := spec.FromRemote(m)
		if err != nil {
			logger.Warn("sync: skipping malformed %s row: %v", spec.Table, err)
			continue
		}
		rows = append(rows, row)
	}

	res, err := e.store.UpsertBulk(spec, rows, true)
	if err != nil {
		return err
	}

	if res.GuardTripped {
		// Protective no-op, not an error: the snapshot looked degraded so
		// only the upsert phase ran.
		logger.Warn("sync: guard tripped for %s: snapshot of %d rows looks degraded, removal pass skipped",
			spec.Table, len(rows))
		e.appendLog(store.SyncLogEntry{
			Table:           spec.Table,
			Direction:       store.DirectionPull,
			RecordsAffected: res.Total(),
			Status:          store.StatusGuard,
		})
	} else {
		e.appendLog(store.SyncLogEntry{
			Table:           spec.Table,
			Direction:       store.DirectionPull,
			RecordsAffected: res.Total(),
			Status:          store.StatusOK,
		})
	}

	e.events.Publish(Event{Kind: EventTableUpdated, Table: spec.Table})
	e.events.Publish(Event{Kind: EventSyncProgress, Table: spec.Table, Count: res.Total()})

	after, err := e.store.NaturalKeys(spec)
	if err != nil {
		return fmt.Errorf("failed to snapshot keys after pull: %w", err)
	}
	var newKeys []string
	for key := range after {
		if !before[key] {
			newKeys = append(newKeys, key)
		}
	}
	if len(newKeys) > 0 {
		sort.Strings(newKeys)
		e.events.Publish(Event{Kind: EventNewRecords, Table: spec.Table, Count: len(newKeys), Items: newKeys})
	}

	logger.Debug("sync: pulled %s: %d upserted, %d deleted, %d new",
		spec.Table, res.Total(), res.Deleted, len(newKeys))
	return nil
}

// DrainWrites performs one drain pass: each currently queued write gets one
// attempt, then every entity's dirty rows are pushed opportunistically.
func (e *Engine) DrainWrites(ctx context.Context) {
	// Only the writes present at entry get an attempt; retried items move
	// to the tail and wait for the next pass.
	pending := e.queue.len()
	for i := 0; i < pending; i++ {
		w, ok := e.queue.pop()
		if !ok {
			break
		}
		e.processWrite(ctx, w)
	}

	for _, spec := range e.specs {
		e.pushDirty(ctx, spec)
	}
}

// processWrite attempts one queued write and decides its fate: success,
// requeue, or abandonment.
func (e *Engine) processWrite(ctx context.Context, w *QueuedWrite) {
	_, err := e.client.Post(ctx, w.Action, w.Payload)
	if err == nil {
		if w.Table != "" && w.Key != "" {
			if spec, ok := e.specFor(w.Table); ok {
				if err := e.store.MarkSynced(spec, []string{w.Key}); err != nil {
					logger.Warn("sync: failed to clear dirty flag for %s %q: %v", w.Table, w.Key, err)
				}
			}
		}
		e.appendLog(store.SyncLogEntry{
			Table:           w.Table,
			Direction:       store.DirectionPush,
			RecordsAffected: 1,
			Status:          store.StatusOK,
		})
		e.events.Publish(Event{Kind: EventWriteSynced, Action: w.Action, Table: w.Table})
		logger.Debug("sync: write %s succeeded", w.Action)
		return
	}

	var appErr *webhook.AppError
	if errors.As(err, &appErr) {
		// The remote rejected the payload; retrying can never succeed.
		e.appendLog(store.SyncLogEntry{
			Table:     w.Table,
			Direction: store.DirectionPush,
			Status:    store.StatusError,
			Error:     appErr.Error(),
		})
		e.events.Publish(Event{
			Kind:    EventSyncError,
			Action:  w.Action,
			Message: fmt.Sprintf("write %s rejected by remote: %v", w.Action, appErr.Message),
		})
		logger.Error("sync: write %s rejected by remote, abandoned: %v", w.Action, err)
		return
	}

	w.Attempts++
	if w.Attempts >= writeMaxAttempts {
		e.appendLog(store.SyncLogEntry{
			Table:     w.Table,
			Direction: store.DirectionPush,
			Status:    store.StatusError,
			Error:     fmt.Sprintf("exhausted after %d attempts: %v", w.Attempts, err),
		})
		e.events.Publish(Event{
			Kind:    EventSyncError,
			Action:  w.Action,
			Message: fmt.Sprintf("write %s exhausted after %d attempts", w.Action, w.Attempts),
		})
		logger.Error("sync: write %s abandoned after %d attempts: %v", w.Action, w.Attempts, err)
		return
	}

	logger.Warn("sync: write %s failed (attempt %d/%d), requeued: %v", w.Action, w.Attempts, writeMaxAttempts, err)
	e.queue.push(w)
}

// pushDirty pushes one entity's dirty rows. A failed push leaves the row
// dirty for the next pass; there is no retry counter on this path.
func (e *Engine) pushDirty(ctx context.Context, spec entity.Spec) {
	rows, err := e.store.DirtyRows(spec)
	if err != nil {
		logger.Error("sync: failed to load dirty %s rows: %v", spec.Table, err)
		return
	}

	for _, row := range rows {
		key := spec.Key(row)
		if e.queue.hasRow(spec.Table, key) {
			// A queued write already carries this row; avoid a double push.
			continue
		}

		if _, err := e.client.Post(ctx, spec.PushAction, pushPayload(spec, row)); err != nil {
			logger.Warn("sync: push failed for %s %q, row stays dirty: %v", spec.Table, key, err)
			e.appendLog(store.SyncLogEntry{
				Table:     spec.Table,
				Direction: store.DirectionPush,
				Status:    store.StatusError,
				Error:     err.Error(),
			})
			continue
		}

		if err := e.store.MarkSynced(spec, []string{key}); err != nil {
			logger.Warn("sync: failed to clear dirty flag for %s %q: %v", spec.Table, key, err)
			continue
		}
		e.appendLog(store.SyncLogEntry{
			Table:           spec.Table,
			Direction:       store.DirectionPush,
			RecordsAffected: 1,
			Status:          store.StatusOK,
		})
		e.events.Publish(Event{Kind: EventWriteSynced, Action: spec.PushAction, Table: spec.Table})
		logger.Debug("sync: pushed dirty %s row %q", spec.Table, key)
	}
}

// exportMirror writes the current local data to the secondary mirror.
// At-most-once: failures are logged and swallowed, never surfaced.
func (e *Engine) exportMirror() {
	if e.mirror == nil {
		return
	}

	snap := mirror.Snapshot{
		ExportedAt: time.Now().UTC(),
		Tables:     make(map[string][]entity.Row),
	}
	for _, spec := range e.specs {
		rows, err := e.store.FetchAll(spec)
		if err != nil {
			logger.Warn("sync: mirror export skipped, failed to read %s: %v", spec.Table, err)
			return
		}
		snap.Tables[spec.Table] = rows
	}

	if err := e.mirror.Export(snap); err != nil {
		logger.Warn("sync: mirror export failed: %v", err)
	}
}

// setOnline updates the online flag, emitting an event on transitions.
func (e *Engine) setOnline(v bool) {
	if e.online.Swap(v) != v {
		e.events.Publish(Event{Kind: EventOnlineStatus, Online: v})
		logger.Info("sync: online status changed to %v", v)
	}
}

// appendLog appends a sync log entry, logging (but not propagating) store
// failures so diagnostics never break the cycle.
func (e *Engine) appendLog(entry store.SyncLogEntry) {
	if err := e.store.AppendSyncLog(entry); err != nil {
		logger.Warn("sync: failed to append sync log: %v", err)
	}
}

func (e *Engine) specFor(table string) (entity.Spec, bool) {
	for _, s := range e.specs {
		if s.Table == table {
			return s, true
		}
	}
	return entity.Spec{}, false
}

// pushPayload builds the outbound shape for a row push: the domain columns
// plus the remote row reference ("" for a new record the remote must create).
func pushPayload(spec entity.Spec, row entity.Row) map[string]interface{} {
	payload := make(map[string]interface{}, len(spec.Columns)+1)
	payload[entity.FieldRowRef] = entity.RowRef(row)
	for _, c := range spec.Columns {
		payload[c.Name] = row[c.Name]
	}
	return payload
}
