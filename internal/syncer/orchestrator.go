package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pot-code/progress-sync/internal/infrastructure/changefeed"
	"github.com/pot-code/progress-sync/internal/infrastructure/connectivity"
	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
	"github.com/pot-code/progress-sync/internal/infrastructure/uuid"
	"github.com/pot-code/progress-sync/internal/localstore"
	"github.com/pot-code/progress-sync/internal/progress"
	"github.com/pot-code/progress-sync/internal/remote"
	"github.com/pot-code/progress-sync/internal/syncqueue"
)

// Config dependencies of an Orchestrator
type Config struct {
	UserID       string
	SessionID    string
	Local        *localstore.Store
	Queue        *syncqueue.Queue
	Remote       *remote.Service
	Online       connectivity.Signal
	Feed         changefeed.Feed // optional
	IDs          uuid.Generator
	FetchTimeout time.Duration // remote reads slower than this are answered from local data
}

// Orchestrator keeps one user's local store, offline queue and remote rows in agreement.
//
// Writes land in the local store first. Remote writes that fail, or are issued while
// offline, are queued and replayed by SyncOfflineData.
type Orchestrator struct {
	userID       string
	sessionID    string
	local        *localstore.Store
	queue        *syncqueue.Queue
	remote       *remote.Service
	online       connectivity.Signal
	feed         changefeed.Feed
	ids          uuid.Generator
	fetchTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	life context.Context // cancelled by Close
	stop context.CancelFunc

	fetches  singleflight.Group
	passMu   sync.Mutex // one sync pass at a time
	keyLocks [32]sync.Mutex

	mu           sync.Mutex
	states       map[progress.ContentKey]ContentState
	pending      map[progress.ContentKey]int // queued or in-flight writes per key
	syncing      bool
	authExpired  bool
	failing      bool
	lastSyncedAt time.Time
	lastErr      error
}

// New create the orchestrator of one session, ctx carries the logger
func New(ctx context.Context, cfg Config) *Orchestrator {
	life, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		userID:       cfg.UserID,
		sessionID:    cfg.SessionID,
		local:        cfg.Local,
		queue:        cfg.Queue,
		remote:       cfg.Remote,
		online:       cfg.Online,
		feed:         cfg.Feed,
		ids:          cfg.IDs,
		fetchTimeout: cfg.FetchTimeout,
		logger: logging.ExtractLoggerFromContext(ctx).With(
			zap.String("user.id", cfg.UserID),
			zap.String("session.id", cfg.SessionID)),
		now:     progress.Now,
		life:    life,
		stop:    cancel,
		states:  make(map[progress.ContentKey]ContentState),
		pending: make(map[progress.ContentKey]int),
	}
	if o.fetchTimeout <= 0 {
		o.fetchTimeout = 3 * time.Second
	}
	o.loadPending()
	return o
}

// loadPending restore per-key bookkeeping of items queued by a previous run
func (o *Orchestrator) loadPending() {
	items, err := o.queue.ListPending()
	if err != nil {
		o.logger.Warn("failed to read offline queue", zap.Error(err))
		return
	}
	dead, _ := o.queue.ListDead()
	for _, it := range append(items, dead...) {
		if it.Type != syncqueue.TypeProgress {
			continue
		}
		var rec progress.Record
		if json.Unmarshal(it.Payload, &rec) == nil {
			o.pending[rec.Key]++
			o.states[rec.Key] = SyncFailed
		}
	}
}

// UserID .
func (o *Orchestrator) UserID() string {
	return o.userID
}

// SessionID .
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Close abort in-flight passes, later calls fail with progress.ErrSessionClosed
func (o *Orchestrator) Close() {
	o.stop()
}

// Closed .
func (o *Orchestrator) Closed() bool {
	return o.life.Err() != nil
}

// bind derive a context that is also cancelled when the session closes
func (o *Orchestrator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// lockKey serialize local read-modify-write cycles of key
func (o *Orchestrator) lockKey(key progress.ContentKey) func() {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	mu := &o.keyLocks[h.Sum32()%uint32(len(o.keyLocks))]
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) setState(key progress.ContentKey, s ContentState) {
	o.mu.Lock()
	o.states[key] = s
	o.mu.Unlock()
}

func (o *Orchestrator) addPending(key progress.ContentKey, delta int) {
	o.mu.Lock()
	o.pending[key] += delta
	if o.pending[key] <= 0 {
		delete(o.pending, key)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) hasPending(key progress.ContentKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[key] > 0
}

func (o *Orchestrator) noteRemoteError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err
	if errors.Is(err, progress.ErrAuth) {
		o.authExpired = true
	}
}

// merge reconcile a local record with a remote row. While writes of key are still queued
// the local content is kept, it is newer than anything the remote side has seen.
func (o *Orchestrator) merge(local, remoteRec *progress.Record) *progress.Record {
	if local != nil && remoteRec != nil &&
		o.hasPending(local.Key) && local.LastUpdated.After(remoteRec.LastUpdated) {
		out := local.Clone()
		out.Completed = out.Completed || remoteRec.Completed
		if remoteRec.Version > out.Version {
			out.Version = remoteRec.Version
		}
		return out
	}
	return progress.Resolve(local, remoteRec)
}

// reconcile merge a remote row into the local store and return the local view
func (o *Orchestrator) reconcile(remoteRec *progress.Record) (*progress.Record, error) {
	unlock := o.lockKey(remoteRec.Key)
	defer unlock()
	current, err := o.local.Get(remoteRec.Key)
	if err != nil {
		return nil, err
	}
	merged := o.merge(current, remoteRec)
	if !merged.Equal(current) {
		if err := o.local.Put(merged); err != nil {
			return nil, err
		}
	}
	if !o.hasPending(merged.Key) && merged.Version == remoteRec.Version {
		o.setState(merged.Key, Synced)
	}
	return merged, nil
}

func (o *Orchestrator) publish(ctx context.Context, key progress.ContentKey, version int64) {
	if o.feed == nil {
		return
	}
	err := o.feed.Publish(ctx, changefeed.Change{
		UserID:  o.userID,
		Key:     key.String(),
		Version: version,
		Origin:  o.sessionID,
	})
	if err != nil {
		o.logger.Debug("failed to publish change", zap.String("progress.key", key.String()), zap.Error(err))
	}
}

// enqueueProgress queue the latest local state of rec.Key, one item per key
func (o *Orchestrator) enqueueProgress(rec *progress.Record) {
	unlock := o.lockKey(rec.Key)
	defer unlock()
	if latest, err := o.local.Get(rec.Key); err == nil && latest != nil && !latest.LastUpdated.Before(rec.LastUpdated) {
		rec = latest
	}
	_, added, err := o.queue.EnqueueLatest(syncqueue.TypeProgress, rec.Key.String(), rec)
	if err != nil {
		o.logger.Error("failed to queue progress", zap.String("progress.key", rec.Key.String()), zap.Error(err))
		return
	}
	if added {
		o.addPending(rec.Key, 1)
	}
	o.setState(rec.Key, SyncFailed)
	stats.Add("queued", 1)
}

// base record a new write of key builds on. A failed local read falls back to the
// remote row, never to "no record".
func (o *Orchestrator) base(ctx context.Context, key progress.ContentKey) (*progress.Record, error) {
	existing, err := o.local.Get(key)
	if err == nil || !errors.Is(err, progress.ErrStorage) || !o.online.Online() {
		return existing, err
	}
	remoteRec, fetchErr := o.fetch(ctx, key)
	if fetchErr != nil {
		o.noteRemoteError(fetchErr)
		return nil, err
	}
	return remoteRec, nil
}

// SaveProgress record progress locally, then push it to the remote side or queue it.
//
// Invalid input, a closed session and an unreadable local record with no remote row to
// fall back on are reported. Remote failures end up in the queue.
func (o *Orchestrator) SaveProgress(ctx context.Context, key progress.ContentKey, pos progress.Position, completed bool) (*progress.Record, error) {
	if o.Closed() {
		return nil, progress.ErrSessionClosed
	}
	rec := &progress.Record{
		Key:         key,
		Position:    pos,
		Completed:   completed,
		LastUpdated: o.now(),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	unlock := o.lockKey(key)
	existing, err := o.base(ctx, key)
	if err != nil {
		unlock()
		return nil, err
	}
	if existing != nil {
		rec.Completed = rec.Completed || existing.Completed
		rec.Version = existing.Version
		if !rec.LastUpdated.After(existing.LastUpdated) {
			// keep local order strict even if the clock stalls or goes back
			rec.LastUpdated = existing.LastUpdated.Add(time.Millisecond)
		}
	}
	err = o.local.Put(rec)
	unlock()
	if err != nil {
		return nil, err
	}
	o.publish(ctx, key, rec.Version)

	if !o.online.Online() {
		o.enqueueProgress(rec)
		return rec.Clone(), nil
	}

	o.addPending(key, 1)
	o.setState(key, PendingSync)
	bound, cancel := o.bind(ctx)
	stored, err := o.remote.UpsertProgress(bound, o.userID, rec)
	cancel()
	if err != nil {
		o.noteRemoteError(err)
		o.logger.Warn("remote progress write failed, queued", zap.String("progress.key", key.String()), zap.Error(err))
		o.enqueueProgress(rec)
		o.addPending(key, -1)
		return rec.Clone(), nil
	}
	o.addPending(key, -1)
	stats.Add("direct_writes", 1)

	view, err := o.reconcile(stored)
	if err != nil {
		return rec.Clone(), nil
	}
	if view.Version != rec.Version {
		o.publish(ctx, key, view.Version)
	}
	return view, nil
}

// fetch remote row of key, concurrent callers share one request
func (o *Orchestrator) fetch(ctx context.Context, key progress.ContentKey) (*progress.Record, error) {
	v, err, _ := o.fetches.Do(key.String(), func() (interface{}, error) {
		bound, cancel := o.bind(ctx)
		defer cancel()
		bound, cancelTimeout := context.WithTimeout(bound, o.fetchTimeout)
		defer cancelTimeout()
		return o.remote.FetchProgress(bound, o.userID, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*progress.Record).Clone(), nil
}

// GetProgress local record of key, reconciled with the remote row when online.
// nil when neither side knows key.
func (o *Orchestrator) GetProgress(ctx context.Context, key progress.ContentKey) (*progress.Record, error) {
	if o.Closed() {
		return nil, progress.ErrSessionClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	local, err := o.local.Get(key)
	if err != nil {
		return nil, err
	}
	if !o.online.Online() {
		return local, nil
	}

	remoteRec, err := o.fetch(ctx, key)
	if err != nil {
		o.noteRemoteError(err)
		o.logger.Debug("remote progress read failed, serving local", zap.String("progress.key", key.String()), zap.Error(err))
		return local, nil
	}
	if remoteRec == nil {
		return local, nil
	}
	view, err := o.reconcile(remoteRec)
	if err != nil {
		return local, nil
	}
	return view, nil
}

// Refresh reconcile key after another session changed it
func (o *Orchestrator) Refresh(ctx context.Context, key progress.ContentKey) (*progress.Record, error) {
	return o.GetProgress(ctx, key)
}

// GetAllUserProgress every local record, reconciled with the remote list when online
func (o *Orchestrator) GetAllUserProgress(ctx context.Context) ([]*progress.Record, error) {
	if o.Closed() {
		return nil, progress.ErrSessionClosed
	}
	if o.online.Online() {
		bound, cancel := o.bind(ctx)
		bound, cancelTimeout := context.WithTimeout(bound, o.fetchTimeout)
		err := o.pull(bound)
		cancelTimeout()
		cancel()
		if err != nil {
			o.noteRemoteError(err)
			o.logger.Debug("remote progress list failed, serving local", zap.Error(err))
		}
	}
	return o.local.GetAll()
}

// LocalProgress every local record, without touching the remote side
func (o *Orchestrator) LocalProgress() ([]*progress.Record, error) {
	return o.local.GetAll()
}

// pull merge every remote row into the local store
func (o *Orchestrator) pull(ctx context.Context) error {
	rows, err := o.remote.ListAllProgress(ctx, o.userID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := o.reconcile(r); err != nil {
			return err
		}
	}
	return nil
}

// TrackInteraction log an interaction event, queued when it cannot be delivered now
func (o *Orchestrator) TrackInteraction(ctx context.Context, key progress.ContentKey, typ string, data json.RawMessage) (*progress.InteractionEvent, error) {
	if o.Closed() {
		return nil, progress.ErrSessionClosed
	}
	id, err := o.ids.Generate()
	if err != nil {
		return nil, err
	}
	e := &progress.InteractionEvent{
		ID:              id,
		Key:             key,
		Type:            typ,
		Data:            data,
		ClientTimestamp: o.now(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if o.online.Online() {
		bound, cancel := o.bind(ctx)
		err = o.remote.InsertInteraction(bound, o.userID, e)
		cancel()
		if err == nil {
			e.Synced = true
			return e, nil
		}
		o.noteRemoteError(err)
		o.logger.Warn("remote interaction insert failed, queued", zap.String("interaction.id", e.ID), zap.Error(err))
	}
	if _, err := o.queue.Enqueue(syncqueue.TypeInteraction, e); err != nil {
		o.logger.Error("failed to queue interaction", zap.String("interaction.id", e.ID), zap.Error(err))
	}
	return e, nil
}

// replay apply one queued mutation to the remote side
func (o *Orchestrator) replay(ctx context.Context, it *syncqueue.Item) error {
	switch it.Type {
	case syncqueue.TypeProgress:
		var rec progress.Record
		if err := json.Unmarshal(it.Payload, &rec); err != nil {
			return fmt.Errorf("%w: %s", progress.ErrInvalidRecord, err)
		}
		// a local record still holding this write knows every remote version merged under it
		if local, err := o.local.Get(rec.Key); err == nil && local != nil &&
			local.LastUpdated.Equal(rec.LastUpdated) && local.Version > rec.Version {
			rec.Version = local.Version
		}
		stored, err := o.remote.UpsertProgress(ctx, o.userID, &rec)
		if err != nil {
			return err
		}
		removed, err := o.queue.Ack(it)
		if err != nil {
			return err
		}
		if removed {
			o.addPending(rec.Key, -1)
		}
		if view, err := o.reconcile(stored); err == nil {
			o.publish(ctx, rec.Key, view.Version)
		}
		return nil
	case syncqueue.TypeInteraction:
		var e progress.InteractionEvent
		if err := json.Unmarshal(it.Payload, &e); err != nil {
			return fmt.Errorf("%w: %s", progress.ErrInvalidRecord, err)
		}
		if err := o.remote.InsertInteraction(ctx, o.userID, &e); err != nil {
			return err
		}
		return o.queue.DequeueSuccess(it.ID)
	}
	return fmt.Errorf("%w: unknown queue item type %q", progress.ErrInvalidRecord, it.Type)
}

// SyncOfflineData replay queued mutations in FIFO order, then merge the remote state back.
//
// A failing item is marked and the pass moves on. An expired session or a cancelled ctx
// stops the pass and leaves the remaining items untouched.
func (o *Orchestrator) SyncOfflineData(ctx context.Context, opts SyncOptions) *SyncReport {
	report := new(SyncReport)
	if o.Closed() {
		report.Err = progress.ErrSessionClosed
		return report
	}
	if !o.online.Online() {
		report.Err = progress.ErrOffline
		return report
	}

	o.passMu.Lock()
	defer o.passMu.Unlock()
	ctx, cancel := o.bind(ctx)
	defer cancel()

	o.mu.Lock()
	o.syncing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()
	stats.Add("passes", 1)

	if opts.Force {
		n, err := o.queue.Revive()
		if err != nil {
			o.logger.Warn("failed to revive dead queue items", zap.Error(err))
		}
		report.Revived = n
	}
	pending, err := o.queue.ListPending()
	if err != nil {
		report.Err = err
		return report
	}
	now := time.Now()
	var items []*syncqueue.Item
	for _, it := range pending {
		if opts.Force || it.Due(now) {
			items = append(items, it)
		} else {
			report.Skipped++
		}
	}

	for _, it := range items {
		if ctx.Err() != nil || o.Closed() {
			report.Err = o.abortReason(ctx)
			break
		}
		report.Attempted++
		err := o.replay(ctx, it)
		if err == nil {
			report.Succeeded++
			continue
		}
		if errors.Is(err, progress.ErrAuth) {
			o.noteRemoteError(err)
			report.Attempted--
			report.Err = err
			break
		}
		if ctx.Err() != nil || o.Closed() {
			report.Attempted--
			report.Err = o.abortReason(ctx)
			break
		}
		report.Failed++
		failed, markErr := o.queue.MarkFailed(it.ID, err)
		if markErr != nil {
			o.logger.Error("failed to mark queue item", zap.String("queue.id", it.ID), zap.Error(markErr))
			continue
		}
		if failed.Status == syncqueue.StatusDead {
			report.Dead++
			o.logger.Error("queue item dead-lettered",
				zap.String("queue.id", it.ID), zap.Int("queue.retry_count", failed.RetryCount), zap.Error(err))
		} else {
			o.logger.Warn("queue item replay failed",
				zap.String("queue.id", it.ID), zap.Time("queue.next_attempt_at", failed.NextAttemptAt), zap.Error(err))
		}
		o.noteRemoteError(err)
	}
	stats.Add("replayed", int64(report.Succeeded))
	stats.Add("replay_failures", int64(report.Failed))

	if report.Err == nil {
		if err := o.pull(ctx); err != nil {
			o.noteRemoteError(err)
			if errors.Is(err, progress.ErrAuth) || ctx.Err() != nil {
				report.Err = err
			}
		} else {
			o.mu.Lock()
			o.authExpired = false
			o.mu.Unlock()
		}
		if err := o.remote.Heartbeat(ctx, o.userID, o.sessionID, o.now()); err != nil {
			o.logger.Debug("session heartbeat failed", zap.Error(err))
		}
	}

	o.mu.Lock()
	o.failing = report.Failed > 0 || report.Err != nil
	if report.Err == nil && report.Failed == 0 {
		o.lastSyncedAt = o.now()
		o.lastErr = nil
	}
	o.mu.Unlock()

	if n, err := o.queue.Len(); err == nil {
		report.Remaining = n
	}
	o.logger.Info("sync pass finished",
		zap.Int("sync.attempted", report.Attempted),
		zap.Int("sync.succeeded", report.Succeeded),
		zap.Int("sync.failed", report.Failed),
		zap.Int("sync.skipped", report.Skipped),
		zap.Int("sync.remaining", report.Remaining),
		zap.NamedError("sync.error", report.Err))
	return report
}

func (o *Orchestrator) abortReason(ctx context.Context) error {
	if o.Closed() {
		return progress.ErrSessionClosed
	}
	return ctx.Err()
}

// ContentState sync state of key
func (o *Orchestrator) ContentState(key progress.ContentKey) ContentState {
	o.mu.Lock()
	s, ok := o.states[key]
	o.mu.Unlock()
	if ok {
		return s
	}
	rec, err := o.local.Get(key)
	if err != nil || rec == nil || rec.Version == 0 {
		return LocalOnly
	}
	return Synced
}

// Status current sync indicator
func (o *Orchestrator) Status() Status {
	var st Status
	if pending, err := o.queue.ListPending(); err == nil {
		st.Pending = len(pending)
	}
	if dead, err := o.queue.ListDead(); err == nil {
		st.Dead = len(dead)
	}
	st.Degraded = o.local.Degraded() || o.queue.Degraded()

	o.mu.Lock()
	defer o.mu.Unlock()
	st.LastSyncedAt = o.lastSyncedAt
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	switch {
	case o.authExpired:
		st.State = StateAuthExpired
	case !o.online.Online():
		st.State = StateOffline
	case o.syncing:
		st.State = StateSyncing
	case o.failing || st.Dead > 0:
		st.State = StateFailing
	default:
		st.State = StateSynced
	}
	return st
}
