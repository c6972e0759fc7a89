package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.elastic.co/apm"
	"go.uber.org/zap"

	"github.com/pot-code/progress-sync/internal/infrastructure/changefeed"
	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
	"github.com/pot-code/progress-sync/internal/progress"
	"github.com/pot-code/progress-sync/internal/syncer"
)

var (
	// ErrCourseNotLoaded LoadCourse has not been called for the course
	ErrCourseNotLoaded = errors.New("course not loaded")
	// ErrSyncIncomplete some queued changes could not be synced
	ErrSyncIncomplete = errors.New("some changes failed to sync")
)

// OutlineProvider .
type OutlineProvider interface {
	GetOutline(ctx context.Context, courseID string) (*progress.Outline, error)
}

// Connectivity online flag plus offline to online notifications
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan struct{}, func())
}

// Config .
type Config struct {
	Orchestrator *syncer.Orchestrator
	Outlines     OutlineProvider
	Online       Connectivity
	Feed         changefeed.Feed // optional
	Interval     time.Duration   // background sync period
}

type course struct {
	outline  *progress.Outline
	records  map[progress.ContentKey]*progress.Record
	snapshot *CourseProgress
}

// Tracker course level progress of one session on top of the orchestrator
type Tracker struct {
	orch     *syncer.Orchestrator
	outlines OutlineProvider
	online   Connectivity
	feed     changefeed.Feed
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	courses map[string]*course
	subs    map[int]chan *CourseProgress
	nextSub int

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New .
func New(ctx context.Context, cfg Config) *Tracker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Tracker{
		orch:     cfg.Orchestrator,
		outlines: cfg.Outlines,
		online:   cfg.Online,
		feed:     cfg.Feed,
		interval: interval,
		logger:   logging.ExtractLoggerFromContext(ctx).With(zap.String("user.id", cfg.Orchestrator.UserID())),
		courses:  make(map[string]*course),
		subs:     make(map[int]chan *CourseProgress),
	}
}

// recompute caller holds t.mu
func (t *Tracker) recompute(c *course) *CourseProgress {
	cp := Aggregate(c.outline, c.records)
	for mi := range cp.Modules {
		m := &cp.Modules[mi]
		for ci := range m.Contents {
			key := progress.NewContentKey(cp.CourseID, m.ModuleID, m.Contents[ci].ContentID)
			m.Contents[ci].State = t.orch.ContentState(key)
		}
	}
	c.snapshot = cp
	return cp
}

// notify caller holds t.mu, a subscriber that lags behind only gets the latest snapshot
func (t *Tracker) notify(cp *CourseProgress) {
	for _, ch := range t.subs {
		select {
		case ch <- cp:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cp:
		default:
		}
	}
}

// Subscribe receive a snapshot whenever a loaded course changes
func (t *Tracker) Subscribe() (<-chan *CourseProgress, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan *CourseProgress, 8)
	t.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// LoadCourse fetch the outline of courseID and the user's progress on it
func (t *Tracker) LoadCourse(ctx context.Context, courseID string) (*CourseProgress, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "Tracker.LoadCourse", "service")
	defer apmSpan.End()

	outline, err := t.outlines.GetOutline(ctx, courseID)
	if err != nil {
		return nil, err
	}
	all, err := t.orch.GetAllUserProgress(ctx)
	if err != nil {
		return nil, err
	}
	records := make(map[progress.ContentKey]*progress.Record)
	for _, r := range all {
		if r.Key.CourseID == courseID {
			records[r.Key] = r
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := &course{outline: outline, records: records}
	t.courses[courseID] = c
	cp := t.recompute(c)
	t.notify(cp)
	return cp, nil
}

func (t *Tracker) loaded(ctx context.Context, courseID string) (*course, error) {
	t.mu.RLock()
	c, ok := t.courses[courseID]
	t.mu.RUnlock()
	if ok {
		return c, nil
	}
	if _, err := t.LoadCourse(ctx, courseID); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.courses[courseID], nil
}

// UpdateContentProgress save the position of one content and return the recomputed course
func (t *Tracker) UpdateContentProgress(ctx context.Context, courseID, moduleID, contentID string, pos progress.Position, completed bool) (*CourseProgress, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "Tracker.UpdateContentProgress", "service")
	defer apmSpan.End()

	c, err := t.loaded(ctx, courseID)
	if err != nil {
		return nil, err
	}
	content, ok := c.outline.Content(moduleID, contentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s is not part of course %s", progress.ErrInvalidRecord, moduleID, contentID, courseID)
	}
	kind, err := progress.KindFor(content.Type)
	if err != nil {
		return nil, err
	}
	if pos.Kind != kind {
		return nil, fmt.Errorf("%w: %s content takes a %s position, got %s", progress.ErrInvalidRecord, content.Type, kind, pos.Kind)
	}

	rec, err := t.orch.SaveProgress(ctx, progress.NewContentKey(courseID, moduleID, contentID), pos, completed)
	if err != nil {
		return nil, err
	}
	return t.apply(courseID, rec), nil
}

// apply store rec in its loaded course, recompute and notify
func (t *Tracker) apply(courseID string, recs ...*progress.Record) *CourseProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.courses[courseID]
	if !ok {
		return nil
	}
	for _, rec := range recs {
		c.records[rec.Key] = rec
	}
	cp := t.recompute(c)
	t.notify(cp)
	return cp
}

// MarkContentAsCompleted complete a content at its current position
func (t *Tracker) MarkContentAsCompleted(ctx context.Context, courseID, moduleID, contentID string) (*CourseProgress, error) {
	c, err := t.loaded(ctx, courseID)
	if err != nil {
		return nil, err
	}
	content, ok := c.outline.Content(moduleID, contentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s is not part of course %s", progress.ErrInvalidRecord, moduleID, contentID, courseID)
	}
	kind, err := progress.KindFor(content.Type)
	if err != nil {
		return nil, err
	}
	pos := progress.Position{Kind: kind}

	t.mu.RLock()
	if rec := c.records[progress.NewContentKey(courseID, moduleID, contentID)]; rec != nil && rec.Position.Kind == kind {
		pos = rec.Position
	}
	t.mu.RUnlock()
	return t.UpdateContentProgress(ctx, courseID, moduleID, contentID, pos, true)
}

// GetCourseProgress latest snapshot of a loaded course
func (t *Tracker) GetCourseProgress(courseID string) (*CourseProgress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.courses[courseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCourseNotLoaded, courseID)
	}
	return c.snapshot, nil
}

// CalculateModuleProgress percentage of completed contents in a module
func (t *Tracker) CalculateModuleProgress(courseID, moduleID string) (int, error) {
	cp, err := t.GetCourseProgress(courseID)
	if err != nil {
		return 0, err
	}
	m, ok := cp.Module(moduleID)
	if !ok {
		return 0, fmt.Errorf("%w: module %s of course %s", progress.ErrInvalidRecord, moduleID, courseID)
	}
	return m.Percent, nil
}

// SyncProgress manual sync, every failure is reported to the caller
func (t *Tracker) SyncProgress(ctx context.Context) (*syncer.SyncReport, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "Tracker.SyncProgress", "service")
	defer apmSpan.End()

	if !t.online.Online() {
		return nil, progress.ErrOffline
	}
	report := t.orch.SyncOfflineData(ctx, syncer.SyncOptions{Force: true})
	t.refreshAll()
	if report.Err != nil {
		return report, report.Err
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %d of %d", ErrSyncIncomplete, report.Failed, report.Attempted)
	}
	return report, nil
}

// Status .
func (t *Tracker) Status() syncer.Status {
	return t.orch.Status()
}

// refreshAll reload records of every loaded course from the local store
func (t *Tracker) refreshAll() {
	all, err := t.orch.LocalProgress()
	if err != nil {
		t.logger.Warn("failed to read local progress", zap.Error(err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for courseID, c := range t.courses {
		records := make(map[progress.ContentKey]*progress.Record)
		for _, r := range all {
			if r.Key.CourseID == courseID {
				records[r.Key] = r
			}
		}
		c.records = records
		t.notify(t.recompute(c))
	}
}

// Start run the background sync loop until Stop or ctx is done
func (t *Tracker) Start(ctx context.Context) {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.loopCancel = cancel
	t.loopDone = make(chan struct{})

	var changes <-chan changefeed.Change
	if t.feed != nil {
		ch, unsubscribe, err := t.feed.Subscribe(ctx, t.orch.UserID())
		if err != nil {
			t.logger.Warn("change feed unavailable, other sessions will not be followed", zap.Error(err))
		} else {
			changes = ch
			go func() {
				<-ctx.Done()
				unsubscribe()
			}()
		}
	}
	restored, unwatch := t.online.Subscribe()
	go t.loop(ctx, restored, unwatch, changes, t.loopDone)
}

// Stop tear the loop down and wait for it
func (t *Tracker) Stop() {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.loopCancel == nil {
		return
	}
	t.loopCancel()
	<-t.loopDone
	t.loopCancel = nil
}

func (t *Tracker) backgroundSync(ctx context.Context, reason string) {
	if !t.online.Online() {
		return
	}
	report := t.orch.SyncOfflineData(ctx, syncer.SyncOptions{})
	if report.Err != nil && ctx.Err() == nil {
		t.logger.Warn("background sync stopped", zap.String("sync.trigger", reason), zap.Error(report.Err))
	}
	t.refreshAll()
}

func (t *Tracker) loop(ctx context.Context, restored <-chan struct{}, unwatch func(), changes <-chan changefeed.Change, done chan struct{}) {
	defer close(done)
	defer unwatch()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.backgroundSync(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.backgroundSync(ctx, "timer")
		case <-restored:
			t.backgroundSync(ctx, "online")
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			t.follow(ctx, c)
		}
	}
}

// follow pick up a change made by another session of the same user
func (t *Tracker) follow(ctx context.Context, c changefeed.Change) {
	if c.Origin == t.orch.SessionID() {
		return
	}
	key, err := progress.ParseContentKey(c.Key)
	if err != nil {
		return
	}
	t.mu.RLock()
	_, loaded := t.courses[key.CourseID]
	t.mu.RUnlock()
	if !loaded {
		return
	}
	rec, err := t.orch.Refresh(ctx, key)
	if err != nil || rec == nil {
		return
	}
	t.apply(key.CourseID, rec)
}
