package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/Veraticus/cellsync/pkg/connection"
	"github.com/Veraticus/cellsync/pkg/model"
	"github.com/Veraticus/cellsync/pkg/remote"
	"github.com/Veraticus/cellsync/pkg/store"
	"github.com/Veraticus/cellsync/pkg/transport"
)

// Engine is the sync engine facade. It composes the operation queue, the
// conflict resolver, the subscription multiplexer and the cache-aside read
// path over one store, one REST client and one live connection.
//
// State Management:
//   - The store is the source of truth; Start rebuilds the in-memory queue
//     and link registry from it
//   - Each in-memory structure has its own mutex and none is held across a
//     network or store call
//   - Statistics are atomic counters
//
// Event Processing:
//   - Frames from the live channel arrive on the connection's read loop and
//     are handled in receipt order
//   - Connection status changes drive the queue drain and resubscription
//   - A cron job drains the queue, or asks for a connection, every SyncInterval
type Engine struct {
	config  *Config
	store   store.Store
	remote  RemoteAPI
	conn    Connection
	logger  Logger
	metrics *metrics

	queue  *operationQueue
	subs   *subscriptionMux
	reads  *readThrough
	dedupe *lruCache

	// ctx lives until Destroy and bounds background work
	ctx    context.Context
	cancel context.CancelFunc

	linksMu sync.RWMutex
	links   map[string]model.LinkedCell

	obsMu           sync.Mutex
	connObservers   map[uint64]func(bool)
	syncObservers   map[uint64]func(SyncStatus)
	remoteObservers map[uint64]func(model.PendingOperation)
	nextObserverID  uint64

	stateMu          sync.Mutex
	lastSyncTime     time.Time
	lastRemoteChange time.Time
	lastDrain        DrainResult
	wasOnline        bool
	started          bool
	ready            bool
	destroyed        bool
	scheduler        *cron.Cron
	unregisterConn   func()

	stats Stats
}

// New creates an engine. It does not touch the store or the network until
// Start.
func New(config *Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:          config,
		store:           config.Store,
		remote:          config.Remote,
		conn:            config.Connection,
		logger:          config.Logger,
		metrics:         newMetrics(config.Registerer),
		queue:           newOperationQueue(config.Store),
		subs:            newSubscriptionMux(config.Connection, config.Logger),
		dedupe:          newLRUCache(config.DedupeSize),
		ctx:             ctx,
		cancel:          cancel,
		links:           make(map[string]model.LinkedCell),
		connObservers:   make(map[uint64]func(bool)),
		syncObservers:   make(map[uint64]func(SyncStatus)),
		remoteObservers: make(map[uint64]func(model.PendingOperation)),
		stats: Stats{
			StartTime: config.Now(),
		},
	}
	e.reads = &readThrough{
		store:  config.Store,
		online: e.IsOnline,
		now:    config.Now,
		logger: config.Logger,
		fallback: func() {
			atomic.AddUint64(&e.stats.CacheFallbacks, 1)
			e.metrics.cacheFallbacks.Inc()
		},
	}
	return e, nil
}

// ClientID returns the origin ID stamped on local operations.
func (e *Engine) ClientID() string {
	return e.config.ClientID
}

// Start reconciles memory from the store, wires the connection, starts the
// periodic sync job and asks the connection to go online.
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.destroyed {
		e.stateMu.Unlock()
		return ErrDestroyed
	}
	if e.started {
		e.stateMu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.stateMu.Unlock()

	e.logger.Info("sync engine starting", "client_id", e.config.ClientID)

	if err := e.start(ctx); err != nil {
		e.stateMu.Lock()
		e.started = false
		e.ready = false
		e.stateMu.Unlock()
		return err
	}

	e.logger.Info("sync engine started",
		"pending_operations", e.queue.len(),
		"linked_cells", e.linkCount(),
	)
	e.publishSyncStatus()
	return nil
}

// start loads memory from the store, then wires the connection and the
// periodic job. On failure everything it wired is torn down again so Start
// can be retried.
func (e *Engine) start(ctx context.Context) error {
	if err := e.queue.load(ctx); err != nil {
		return err
	}
	if err := e.loadLinks(ctx); err != nil {
		return err
	}

	e.stateMu.Lock()
	if e.destroyed {
		e.stateMu.Unlock()
		return ErrDestroyed
	}
	e.ready = true
	e.stateMu.Unlock()

	e.conn.SetHandler(e.handleMessage)
	unregister := e.conn.OnStatusChange(e.handleConnectionStatus)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", e.config.SyncInterval), e.periodicSync); err != nil {
		unregister()
		return fmt.Errorf("failed to schedule periodic sync: %w", err)
	}
	scheduler.Start()

	e.stateMu.Lock()
	e.scheduler = scheduler
	e.unregisterConn = unregister
	e.stateMu.Unlock()

	if err := e.conn.Start(); err != nil {
		e.stateMu.Lock()
		e.scheduler = nil
		e.unregisterConn = nil
		e.stateMu.Unlock()

		<-scheduler.Stop().Done()
		unregister()
		return fmt.Errorf("failed to start connection: %w", err)
	}
	return nil
}

// Destroy stops the periodic job, closes the connection and clears the
// observer and subscription registries along with the in-memory queue and
// links. Pending operations stay in the store and are not flushed.
func (e *Engine) Destroy() {
	e.stateMu.Lock()
	if e.destroyed {
		e.stateMu.Unlock()
		return
	}
	e.destroyed = true
	scheduler := e.scheduler
	unregister := e.unregisterConn
	e.stateMu.Unlock()

	e.logger.Info("sync engine stopping", "client_id", e.config.ClientID)

	e.cancel()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if unregister != nil {
		unregister()
	}
	if err := e.conn.Close(); err != nil {
		e.logger.Error("failed to close connection", "error", err)
	}
	e.subs.destroy()
	e.queue.reset()
	e.linksMu.Lock()
	e.links = make(map[string]model.LinkedCell)
	e.linksMu.Unlock()

	e.obsMu.Lock()
	e.connObservers = make(map[uint64]func(bool))
	e.syncObservers = make(map[uint64]func(SyncStatus))
	e.remoteObservers = make(map[uint64]func(model.PendingOperation))
	e.obsMu.Unlock()
}

// IsOnline reports whether the live channel is open.
func (e *Engine) IsOnline() bool {
	return e.conn.IsOnline()
}

// FetchValue reads a model reference through the cache-aside path.
func (e *Engine) FetchValue(ctx context.Context, modelPath, reference, version string) (any, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	value, _, err := e.reads.fetch(ctx, model.ScopeFor(modelPath), reference, func(ctx context.Context) (any, error) {
		return e.remote.GetValue(ctx, modelPath, reference, version)
	})
	return value, err
}

// GetScenarioValue reads a reference evaluated under a named scenario.
func (e *Engine) GetScenarioValue(ctx context.Context, scenario, reference string) (any, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	value, _, err := e.reads.fetch(ctx, model.ScenarioScope(scenario), reference, func(ctx context.Context) (any, error) {
		return e.remote.ScenarioValue(ctx, scenario, reference)
	})
	return value, err
}

// GetAuditInfo reads one audit field of a reference.
func (e *Engine) GetAuditInfo(ctx context.Context, reference, field string) (any, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	value, _, err := e.reads.fetch(ctx, model.AuditScope(field), reference, func(ctx context.Context) (any, error) {
		return e.remote.Audit(ctx, reference, field)
	})
	return value, err
}

// GetComments reads the latest comment on a reference.
func (e *Engine) GetComments(ctx context.Context, reference string) (any, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	value, _, err := e.reads.fetch(ctx, model.CommentsScope, reference, func(ctx context.Context) (any, error) {
		return e.remote.Comments(ctx, reference)
	})
	return value, err
}

// CalculateSensitivity runs a sensitivity sweep. It needs the service; there
// is no cached fallback.
func (e *Engine) CalculateSensitivity(ctx context.Context, req remote.SensitivityRequest) ([][]any, error) {
	if req.InputAddress == "" || req.OutputAddress == "" {
		return nil, fmt.Errorf("%w: input and output addresses are required", ErrInvalidOperation)
	}
	if req.Steps <= 0 {
		return nil, fmt.Errorf("%w: steps must be positive", ErrInvalidOperation)
	}
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if !e.IsOnline() {
		return nil, fmt.Errorf("sensitivity: %w", ErrNetworkUnavailable)
	}
	return e.remote.Sensitivity(ctx, req)
}

// SubscribeToLiveData registers a listener for a live feed. The returned
// function unsubscribes; it is idempotent and safe after Destroy.
func (e *Engine) SubscribeToLiveData(feed model.Feed, onData DataCallback, onError ErrorCallback) (func(), error) {
	return e.subs.subscribe(feed, onData, onError)
}

// CreateLink binds localAddress to a remote model reference and returns the
// new link with its current value.
func (e *Engine) CreateLink(ctx context.Context, localAddress, modelPath, reference string, direction model.Direction) (model.LinkedCell, error) {
	if localAddress == "" || modelPath == "" || reference == "" {
		return model.LinkedCell{}, fmt.Errorf("%w: local address, model path and reference are required", ErrInvalidOperation)
	}
	if direction == "" {
		direction = model.Bidirectional
	}
	if !direction.Valid() {
		return model.LinkedCell{}, fmt.Errorf("%w: direction %q", ErrInvalidOperation, direction)
	}
	if err := e.checkReady(); err != nil {
		return model.LinkedCell{}, err
	}

	value, cached, err := e.reads.fetch(ctx, model.ScopeFor(modelPath), reference, func(ctx context.Context) (any, error) {
		return e.remote.CreateLink(ctx, modelPath, reference, e.config.ClientID)
	})
	if err != nil {
		return model.LinkedCell{}, fmt.Errorf("failed to create link: %w", err)
	}

	link := model.LinkedCell{
		LocalAddress:    localAddress,
		ModelPath:       modelPath,
		RemoteReference: reference,
		Direction:       direction,
		LastValue:       value,
	}
	if !cached {
		link.LastSyncedAt = e.config.Now()
	}

	if err := e.store.SaveLink(ctx, link); err != nil {
		return model.LinkedCell{}, fmt.Errorf("failed to persist link: %w", err)
	}
	e.linksMu.Lock()
	e.links[localAddress] = link
	e.linksMu.Unlock()

	e.logger.Info("linked cell", "address", localAddress, "model", modelPath, "reference", reference)
	e.publishSyncStatus()
	return link, nil
}

// GetLinkedCells returns every link ordered by local address.
func (e *Engine) GetLinkedCells() []model.LinkedCell {
	e.linksMu.RLock()
	links := make([]model.LinkedCell, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.linksMu.RUnlock()

	sort.Slice(links, func(i, j int) bool { return links[i].LocalAddress < links[j].LocalAddress })
	return links
}

// UnlinkCell removes a link locally and, when online, on the service. The
// remote unlink is best effort.
func (e *Engine) UnlinkCell(ctx context.Context, localAddress string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	if err := e.store.DeleteLink(ctx, localAddress); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	e.linksMu.Lock()
	delete(e.links, localAddress)
	e.linksMu.Unlock()

	if e.IsOnline() {
		if err := e.remote.Unlink(ctx, localAddress, e.config.ClientID); err != nil {
			e.logger.Error("remote unlink failed", "address", localAddress, "error", err)
		}
	}

	e.publishSyncStatus()
	return nil
}

// RefreshLinkedCells re-reads every pulling link through the cache-aside
// path and records the values.
func (e *Engine) RefreshLinkedCells(ctx context.Context) (RefreshResult, error) {
	return e.refreshLinks(ctx, func(model.LinkedCell) bool { return true })
}

func (e *Engine) refreshLinks(ctx context.Context, match func(model.LinkedCell) bool) (RefreshResult, error) {
	if err := e.checkReady(); err != nil {
		return RefreshResult{}, err
	}

	var result RefreshResult
	for _, link := range e.GetLinkedCells() {
		if !link.Direction.Pulls() || !match(link) {
			continue
		}

		value, cached, err := e.reads.fetch(ctx, model.ScopeFor(link.ModelPath), link.RemoteReference, func(ctx context.Context) (any, error) {
			return e.remote.GetValue(ctx, link.ModelPath, link.RemoteReference, "")
		})
		if err != nil {
			result.Failed++
			e.logger.Debug("linked cell refresh failed", "address", link.LocalAddress, "error", err)
			continue
		}

		if cached {
			result.Cached++
		} else {
			result.Refreshed++
		}
		if err := e.updateLink(ctx, link.LocalAddress, value, !cached); err != nil {
			return result, err
		}
	}

	e.publishSyncStatus()
	return result, nil
}

// updateLink records a new value for a link if it still exists.
func (e *Engine) updateLink(ctx context.Context, localAddress string, value any, synced bool) error {
	e.linksMu.RLock()
	link, ok := e.links[localAddress]
	e.linksMu.RUnlock()
	if !ok {
		return nil
	}

	link.LastValue = value
	if synced {
		link.LastSyncedAt = e.config.Now()
	}
	if err := e.store.SaveLink(ctx, link); err != nil {
		return fmt.Errorf("failed to persist link: %w", err)
	}

	e.linksMu.Lock()
	if _, still := e.links[localAddress]; still {
		e.links[localAddress] = link
	}
	e.linksMu.Unlock()
	return nil
}

// SyncCellChange stamps a local mutation and pushes it. When offline, or
// when the push fails, the operation is queued for the next drain instead
// and no error is returned. A write to an address that already has a queued
// operation or a send in flight is queued behind it and drained.
func (e *Engine) SyncCellChange(ctx context.Context, change CellChange) error {
	if err := change.Validate(); err != nil {
		return err
	}
	if err := e.checkReady(); err != nil {
		return err
	}

	now := e.config.Now()
	op := change.stamp(now, e.config.ClientID)
	atomic.AddUint64(&e.stats.LocalChanges, 1)

	online := e.IsOnline()
	if online {
		if mark, idle := e.queue.acquireIdle(op.Address); idle {
			return e.sendNow(ctx, op, mark, now)
		}
	}

	if err := e.queue.put(ctx, op); err != nil {
		return err
	}
	atomic.AddUint64(&e.stats.QueuedOperations, 1)
	e.logger.Debug("queued operation", "address", op.Address, "kind", op.Kind)
	if online {
		e.scheduleDrain()
	}

	e.publishSyncStatus()
	return nil
}

// sendNow pushes op while its address is marked in flight. A failed push is
// queued unless a newer write was queued in the meantime. Anything queued
// behind the send is drained once the mark is released.
func (e *Engine) sendNow(ctx context.Context, op model.PendingOperation, mark uint64, now time.Time) error {
	var ownSeq uint64
	defer func() {
		if pending, ok := e.queue.release(op.Address); ok && pending.seq > mark && pending.seq != ownSeq {
			e.scheduleDrain()
		}
	}()

	if err := e.remote.Sync(ctx, op); err != nil {
		e.metrics.syncsTotal.WithLabelValues("immediate", "failure").Inc()
		e.logger.Info("immediate sync failed, queueing", "address", op.Address, "error", err)

		seq, queued, qerr := e.queue.putIfAbsent(ctx, op)
		if qerr != nil {
			return qerr
		}
		if queued {
			ownSeq = seq
			atomic.AddUint64(&e.stats.QueuedOperations, 1)
		}
		e.publishSyncStatus()
		return nil
	}

	e.metrics.syncsTotal.WithLabelValues("immediate", "success").Inc()
	atomic.AddUint64(&e.stats.ImmediateSyncs, 1)
	if err := e.queue.retireOlder(ctx, op.Address, mark, cacheUpdateFor(op, now)); err != nil {
		return err
	}
	if err := e.updateLink(ctx, op.Address, op.Value, true); err != nil {
		e.logger.Error("failed to update linked cell", "address", op.Address, "error", err)
	}
	e.markSynced(now)
	e.publishSyncStatus()
	return nil
}

// scheduleDrain starts a background drain that picks up operations queued
// before the call.
func (e *Engine) scheduleDrain() {
	if e.isDestroyed() || !e.IsOnline() {
		return
	}
	go func() {
		if _, err := e.runDrain(e.ctx, e.queue.drainFresh); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("drain after local change failed", "error", err)
		}
	}()
}

// GetPendingOperations returns the queued operations ordered by timestamp.
func (e *Engine) GetPendingOperations() []model.PendingOperation {
	return e.queue.operations()
}

// SyncPendingOperations drains the queue. Offline it does nothing.
func (e *Engine) SyncPendingOperations(ctx context.Context) (DrainResult, error) {
	if err := e.checkReady(); err != nil {
		return DrainResult{}, err
	}
	if !e.IsOnline() {
		e.logger.Debug("skipping drain while offline", "pending", e.queue.len())
		return DrainResult{}, nil
	}
	return e.drain(ctx)
}

// ForceSyncAll drains the queue and refreshes every linked cell. Unlike
// SyncPendingOperations it fails with ErrOffline when offline.
func (e *Engine) ForceSyncAll(ctx context.Context) (DrainResult, error) {
	if err := e.checkReady(); err != nil {
		return DrainResult{}, err
	}
	if !e.IsOnline() {
		return DrainResult{}, ErrOffline
	}

	result, err := e.drain(ctx)
	if err != nil {
		return result, err
	}
	if _, err := e.RefreshLinkedCells(ctx); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) drain(ctx context.Context) (DrainResult, error) {
	return e.runDrain(ctx, e.queue.drain)
}

// runDrain runs one queue drain and records its outcome.
func (e *Engine) runDrain(ctx context.Context, run func(context.Context, sendFunc, cacheFunc) (DrainResult, error)) (DrainResult, error) {
	if e.queue.len() == 0 {
		return DrainResult{}, nil
	}

	timer := prometheus.NewTimer(e.metrics.drainDuration)
	result, err := run(ctx, e.remote.Sync, func(op model.PendingOperation) *model.CachedValue {
		return cacheUpdateFor(op, e.config.Now())
	})
	timer.ObserveDuration()

	e.metrics.syncsTotal.WithLabelValues("drain", "success").Add(float64(result.Success))
	e.metrics.syncsTotal.WithLabelValues("drain", "failure").Add(float64(result.Failed))
	atomic.AddUint64(&e.stats.DrainedSuccess, uint64(result.Success))
	atomic.AddUint64(&e.stats.DrainedFailed, uint64(result.Failed))

	e.stateMu.Lock()
	e.lastDrain = result
	e.stateMu.Unlock()
	if result.Success > 0 {
		e.markSynced(e.config.Now())
	}

	e.logger.Info("drained pending operations",
		"success", result.Success,
		"failed", result.Failed,
		"remaining", e.queue.len(),
	)
	e.publishSyncStatus()

	if err != nil {
		return result, fmt.Errorf("drain: %w", err)
	}
	return result, nil
}

// ClearOfflineData wipes pending operations, links and the cache from the
// store and from memory.
func (e *Engine) ClearOfflineData(ctx context.Context) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	e.queue.reset()
	e.linksMu.Lock()
	e.links = make(map[string]model.LinkedCell)
	e.linksMu.Unlock()
	e.dedupe.Clear()

	e.logger.Info("cleared offline data")
	e.publishSyncStatus()
	return nil
}

// SetToken replaces the bearer token for REST calls and the live channel.
func (e *Engine) SetToken(token string) error {
	e.remote.SetToken(token)
	if err := e.conn.SetToken(token); err != nil {
		return fmt.Errorf("failed to present token: %w", err)
	}
	return nil
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.stateMu.Lock()
	lastSync := e.lastSyncTime
	lastDrain := e.lastDrain
	e.stateMu.Unlock()

	return SyncStatus{
		IsOnline:          e.IsOnline(),
		PendingOperations: e.queue.len(),
		LastSyncTime:      lastSync,
		LinkedCells:       e.linkCount(),
		LastDrain:         lastDrain,
	}
}

// Stats returns current engine statistics.
func (e *Engine) Stats() *Stats {
	e.stateMu.Lock()
	lastSync := e.lastSyncTime
	lastRemote := e.lastRemoteChange
	e.stateMu.Unlock()

	return &Stats{
		StartTime:        e.stats.StartTime,
		LastSyncTime:     lastSync,
		LastRemoteChange: lastRemote,
		LocalChanges:     atomic.LoadUint64(&e.stats.LocalChanges),
		ImmediateSyncs:   atomic.LoadUint64(&e.stats.ImmediateSyncs),
		QueuedOperations: atomic.LoadUint64(&e.stats.QueuedOperations),
		DrainedSuccess:   atomic.LoadUint64(&e.stats.DrainedSuccess),
		DrainedFailed:    atomic.LoadUint64(&e.stats.DrainedFailed),
		RemoteChanges:    atomic.LoadUint64(&e.stats.RemoteChanges),
		RemoteEchoes:     atomic.LoadUint64(&e.stats.RemoteEchoes),
		RemoteDuplicates: atomic.LoadUint64(&e.stats.RemoteDuplicates),
		ConflictsWon:     atomic.LoadUint64(&e.stats.ConflictsWon),
		ConflictsLost:    atomic.LoadUint64(&e.stats.ConflictsLost),
		CacheFallbacks:   atomic.LoadUint64(&e.stats.CacheFallbacks),
		FramesReceived:   atomic.LoadUint64(&e.stats.FramesReceived),
	}
}

// OnConnectionStatusChange registers cb for online/offline changes and
// delivers the current state immediately.
func (e *Engine) OnConnectionStatusChange(cb func(online bool)) func() {
	e.obsMu.Lock()
	e.nextObserverID++
	id := e.nextObserverID
	e.connObservers[id] = cb
	e.obsMu.Unlock()

	e.safeCall("connection status", func() { cb(e.IsOnline()) })

	return func() {
		e.obsMu.Lock()
		delete(e.connObservers, id)
		e.obsMu.Unlock()
	}
}

// OnSyncStatusChange registers cb for sync status changes and delivers the
// current status immediately.
func (e *Engine) OnSyncStatusChange(cb func(SyncStatus)) func() {
	e.obsMu.Lock()
	e.nextObserverID++
	id := e.nextObserverID
	e.syncObservers[id] = cb
	e.obsMu.Unlock()

	status := e.Status()
	e.safeCall("sync status", func() { cb(status) })

	return func() {
		e.obsMu.Lock()
		delete(e.syncObservers, id)
		e.obsMu.Unlock()
	}
}

// OnRemoteChange registers cb for accepted remote cell operations.
func (e *Engine) OnRemoteChange(cb func(op model.PendingOperation)) func() {
	e.obsMu.Lock()
	e.nextObserverID++
	id := e.nextObserverID
	e.remoteObservers[id] = cb
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.remoteObservers, id)
		e.obsMu.Unlock()
	}
}

// handleConnectionStatus runs on every connection transition.
func (e *Engine) handleConnectionStatus(online bool) {
	e.stateMu.Lock()
	cameOnline := online && !e.wasOnline
	e.wasOnline = online
	destroyed := e.destroyed
	e.stateMu.Unlock()

	e.obsMu.Lock()
	observers := make([]func(bool), 0, len(e.connObservers))
	for _, cb := range e.connObservers {
		observers = append(observers, cb)
	}
	e.obsMu.Unlock()
	for _, cb := range observers {
		e.safeCall("connection status", func() { cb(online) })
	}

	if cameOnline && !destroyed {
		e.subs.resubscribeAll()
		go func() {
			if _, err := e.SyncPendingOperations(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("drain after reconnect failed", "error", err)
			}
		}()
	}

	e.publishSyncStatus()
}

// periodicSync is the cron job body.
func (e *Engine) periodicSync() {
	if e.isDestroyed() {
		return
	}

	if e.IsOnline() {
		if _, err := e.SyncPendingOperations(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("periodic sync failed", "error", err)
		}
		return
	}

	if e.conn.State() == connection.Offline && e.conn.Reachable() {
		e.logger.Debug("periodic sync requesting connection")
		if err := e.conn.Connect(); err != nil {
			e.logger.Error("periodic connect failed", "error", err)
		}
	}
}

// handleMessage dispatches one frame from the live channel.
func (e *Engine) handleMessage(msg transport.Message) {
	atomic.AddUint64(&e.stats.FramesReceived, 1)

	switch m := msg.(type) {
	case transport.DataUpdateMessage:
		e.subs.dispatchData(m)

	case transport.ErrorMessage:
		if !e.subs.dispatchError(m) {
			e.logger.Error("service reported error", "message", m.Message)
		}

	case transport.CellSyncMessage:
		e.handleRemoteOperation(e.ctx, m.Operation)

	case transport.ModelUpdateMessage:
		e.logger.Info("model updated", "model", m.ModelPath, "version", m.Version)
		go func() {
			if _, err := e.refreshLinks(e.ctx, func(l model.LinkedCell) bool { return l.ModelPath == m.ModelPath }); err != nil &&
				!errors.Is(err, ErrDestroyed) {
				e.logger.Error("model refresh failed", "model", m.ModelPath, "error", err)
			}
		}()

	default:
		e.logger.Debug("ignoring frame", "type", msg.Type())
	}
}

// handleRemoteOperation applies a cell operation made by another client.
func (e *Engine) handleRemoteOperation(ctx context.Context, op model.PendingOperation) {
	if op.OriginID == e.config.ClientID {
		atomic.AddUint64(&e.stats.RemoteEchoes, 1)
		e.metrics.remoteOperations.WithLabelValues("echo").Inc()
		return
	}
	if err := op.Validate(); err != nil {
		e.logger.Error("invalid remote operation", "error", err)
		e.metrics.remoteOperations.WithLabelValues("invalid").Inc()
		return
	}
	if e.dedupe.Add(dedupeKey(op)) {
		atomic.AddUint64(&e.stats.RemoteDuplicates, 1)
		e.metrics.remoteOperations.WithLabelValues("duplicate").Inc()
		return
	}

	res, err := e.resolveIncoming(ctx, op)
	if err != nil {
		e.logger.Error("failed to resolve remote operation", "address", op.Address, "error", err)
		return
	}
	if res == Reject {
		atomic.AddUint64(&e.stats.ConflictsWon, 1)
		e.metrics.remoteOperations.WithLabelValues("rejected").Inc()
		return
	}

	now := e.config.Now()
	if err := e.store.PutCached(ctx, *cacheUpdateFor(op, now)); err != nil {
		e.logger.Error("failed to cache remote operation", "address", op.Address, "error", err)
	}
	if err := e.updateLink(ctx, op.Address, op.Value, true); err != nil {
		e.logger.Error("failed to update linked cell", "address", op.Address, "error", err)
	}

	atomic.AddUint64(&e.stats.RemoteChanges, 1)
	e.metrics.remoteOperations.WithLabelValues("accepted").Inc()
	e.stateMu.Lock()
	e.lastRemoteChange = now
	e.stateMu.Unlock()

	e.logger.Info("applied remote operation", "address", op.Address, "origin", op.OriginID)

	e.obsMu.Lock()
	observers := make([]func(model.PendingOperation), 0, len(e.remoteObservers))
	for _, cb := range e.remoteObservers {
		observers = append(observers, cb)
	}
	e.obsMu.Unlock()
	for _, cb := range observers {
		e.safeCall("remote change", func() { cb(op) })
	}

	e.publishSyncStatus()
}

func (e *Engine) publishSyncStatus() {
	status := e.Status()
	e.metrics.observeStatus(status)

	e.obsMu.Lock()
	observers := make([]func(SyncStatus), 0, len(e.syncObservers))
	for _, cb := range e.syncObservers {
		observers = append(observers, cb)
	}
	e.obsMu.Unlock()

	for _, cb := range observers {
		e.safeCall("sync status", func() { cb(status) })
	}
}

func (e *Engine) safeCall(kind string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("observer panicked", "observer", kind, "panic", r)
		}
	}()
	f()
}

func (e *Engine) loadLinks(ctx context.Context) error {
	links, err := e.store.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load links: %w", err)
	}

	e.linksMu.Lock()
	defer e.linksMu.Unlock()
	e.links = make(map[string]model.LinkedCell, len(links))
	for _, l := range links {
		e.links[l.LocalAddress] = l
	}
	return nil
}

func (e *Engine) linkCount() int {
	e.linksMu.RLock()
	defer e.linksMu.RUnlock()
	return len(e.links)
}

func (e *Engine) markSynced(at time.Time) {
	e.stateMu.Lock()
	if at.After(e.lastSyncTime) {
		e.lastSyncTime = at
	}
	e.stateMu.Unlock()
}

func (e *Engine) isDestroyed() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.destroyed
}

// checkReady fails calls made after Destroy or before Start has loaded the
// queue and links.
func (e *Engine) checkReady() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if !e.ready {
		return ErrNotStarted
	}
	return nil
}
