package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pot-code/progress-sync/internal/infrastructure/changefeed"
	"github.com/pot-code/progress-sync/internal/infrastructure/connectivity"
	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
	"github.com/pot-code/progress-sync/internal/infrastructure/uuid"
	"github.com/pot-code/progress-sync/internal/localstore"
	"github.com/pot-code/progress-sync/internal/progress"
	"github.com/pot-code/progress-sync/internal/remote"
	"github.com/pot-code/progress-sync/internal/syncer"
	"github.com/pot-code/progress-sync/internal/syncqueue"
)

var outline = &progress.Outline{
	CourseID: "go-101",
	Title:    "Go 101",
	Modules: []progress.OutlineModule{
		{ID: "a", Contents: []progress.OutlineContent{
			{ID: "a1", Type: progress.ContentVideo},
			{ID: "a2", Type: progress.ContentPDF},
			{ID: "a3", Type: progress.ContentArticle},
		}},
		{ID: "b", Contents: []progress.OutlineContent{
			{ID: "b1", Type: progress.ContentQuiz},
		}},
	},
}

func done(module, content string) *progress.Record {
	return &progress.Record{
		Key:         progress.NewContentKey("go-101", module, content),
		Position:    progress.ScrollPercent(100),
		Completed:   true,
		LastUpdated: time.UnixMilli(1000),
	}
}

func TestAggregate(t *testing.T) {
	records := map[progress.ContentKey]*progress.Record{}
	for _, r := range []*progress.Record{done("a", "a1"), done("a", "a2"), done("b", "b1")} {
		records[r.Key] = r
	}
	cp := Aggregate(outline, records)

	a, _ := cp.Module("a")
	b, _ := cp.Module("b")
	if a.Percent != 67 || a.Completed {
		t.Errorf("module a = %+v", a)
	}
	if !b.Completed || b.Percent != 100 {
		t.Errorf("module b = %+v", b)
	}
	if cp.OverallProgress != 50 || cp.CompletedModules != 1 || cp.TotalModules != 2 {
		t.Errorf("course = %+v", cp)
	}
	if cp.UpdatedAt.UnixMilli() != 1000 {
		t.Errorf("updated at = %v", cp.UpdatedAt)
	}
}

func TestAggregate_EmptyModule(t *testing.T) {
	cp := Aggregate(&progress.Outline{CourseID: "c", Modules: []progress.OutlineModule{{ID: "empty"}}}, nil)
	if cp.Modules[0].Completed || cp.OverallProgress != 0 {
		t.Errorf("empty module counted as completed: %+v", cp)
	}
	if cp := Aggregate(&progress.Outline{CourseID: "c"}, nil); cp.OverallProgress != 0 {
		t.Errorf("course without modules = %+v", cp)
	}
}

type env struct {
	ctx     context.Context
	sw      *connectivity.Switch
	mem     *remote.Memory
	queue   *syncqueue.Queue
	orch    *syncer.Orchestrator
	tracker *Tracker
}

func newEnv(t *testing.T, mem *remote.Memory, feed changefeed.Feed, online bool) *env {
	ctx := logging.SetLoggerInContext(context.Background(), zaptest.NewLogger(t))
	kv := driver.NewMemoryKV()
	ids := uuid.NewNanoIDGenerator(16)
	sw := connectivity.NewSwitch(online)
	queue := syncqueue.New(kv, "u1", ids, syncqueue.DefaultRetryPolicy())
	orch := syncer.New(ctx, syncer.Config{
		UserID:    "u1",
		SessionID: uuid.MustGenerate(ids),
		Local:     localstore.New(ctx, kv, "u1"),
		Queue:     queue,
		Remote:    remote.NewService(mem, 3),
		Online:    sw,
		Feed:      feed,
		IDs:       ids,
	})
	tr := New(ctx, Config{
		Orchestrator: orch,
		Outlines:     remote.NewMemoryOutlines(outline),
		Online:       sw,
		Feed:         feed,
		Interval:     time.Hour,
	})
	t.Cleanup(func() {
		tr.Stop()
		orch.Close()
	})
	return &env{ctx: ctx, sw: sw, mem: mem, queue: queue, orch: orch, tracker: tr}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTracker_UpdateContentProgress(t *testing.T) {
	e := newEnv(t, remote.NewMemory(), nil, true)
	tr := e.tracker

	if _, err := tr.GetCourseProgress("go-101"); !errors.Is(err, ErrCourseNotLoaded) {
		t.Errorf("error = %v", err)
	}
	snapshots, unsubscribe := tr.Subscribe()
	defer unsubscribe()

	if _, err := tr.LoadCourse(e.ctx, "go-101"); err != nil {
		t.Fatal(err)
	}
	tr.UpdateContentProgress(e.ctx, "go-101", "a", "a1", progress.Seconds(600), true)
	tr.UpdateContentProgress(e.ctx, "go-101", "a", "a2", progress.Page(12), true)
	tr.MarkContentAsCompleted(e.ctx, "go-101", "b", "b1")

	pct, err := tr.CalculateModuleProgress("go-101", "a")
	if err != nil || pct != 67 {
		t.Errorf("module a = %d, %v", pct, err)
	}
	cp, _ := tr.GetCourseProgress("go-101")
	if b, _ := cp.Module("b"); !b.Completed {
		t.Errorf("module b = %+v", b)
	}
	if cp.OverallProgress != 50 {
		t.Errorf("overall = %d", cp.OverallProgress)
	}
	a, _ := cp.Module("a")
	if a.Contents[0].State != syncer.Synced || a.Contents[0].Position.Value != 600 {
		t.Errorf("content a1 = %+v", a.Contents[0])
	}

	var last *CourseProgress
	for len(snapshots) > 0 {
		last = <-snapshots
	}
	if last == nil || last.OverallProgress != 50 {
		t.Errorf("subscriber missed the latest snapshot: %+v", last)
	}
}

func TestTracker_RejectsMismatchedPosition(t *testing.T) {
	e := newEnv(t, remote.NewMemory(), nil, true)
	_, err := e.tracker.UpdateContentProgress(e.ctx, "go-101", "a", "a2", progress.Seconds(10), false)
	if !errors.Is(err, progress.ErrInvalidRecord) {
		t.Errorf("error = %v", err)
	}
	_, err = e.tracker.UpdateContentProgress(e.ctx, "go-101", "a", "zz", progress.Seconds(10), false)
	if !errors.Is(err, progress.ErrInvalidRecord) {
		t.Errorf("error = %v", err)
	}
	if _, err := e.tracker.LoadCourse(e.ctx, "rust-101"); !errors.Is(err, progress.ErrCourseNotFound) {
		t.Errorf("error = %v", err)
	}
}

func TestTracker_MarkCompletedKeepsPosition(t *testing.T) {
	e := newEnv(t, remote.NewMemory(), nil, true)
	e.tracker.UpdateContentProgress(e.ctx, "go-101", "a", "a1", progress.Seconds(321), false)
	cp, err := e.tracker.MarkContentAsCompleted(e.ctx, "go-101", "a", "a1")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := cp.Module("a")
	if c := a.Contents[0]; !c.Completed || c.Position.Value != 321 {
		t.Errorf("content = %+v", c)
	}
}

func TestTracker_SyncProgress(t *testing.T) {
	mem := remote.NewMemory()
	e := newEnv(t, mem, nil, false)
	if _, err := e.tracker.SyncProgress(e.ctx); !errors.Is(err, progress.ErrOffline) {
		t.Errorf("offline error = %v", err)
	}

	e.tracker.UpdateContentProgress(e.ctx, "go-101", "a", "a1", progress.Seconds(10), false)
	e.sw.Set(true)
	mem.FailWith(progress.ErrServer)
	if _, err := e.tracker.SyncProgress(e.ctx); !errors.Is(err, ErrSyncIncomplete) {
		t.Errorf("failing error = %v", err)
	}

	mem.FailWith(nil)
	report, err := e.tracker.SyncProgress(e.ctx)
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("report %+v, %v", report, err)
	}
	cp, _ := e.tracker.GetCourseProgress("go-101")
	a, _ := cp.Module("a")
	if a.Contents[0].Version != 1 || a.Contents[0].State != syncer.Synced {
		t.Errorf("content after sync = %+v", a.Contents[0])
	}
	if st := e.tracker.Status(); st.State != syncer.StateSynced {
		t.Errorf("status %+v", st)
	}
}

func TestTracker_BackgroundSyncOnReconnect(t *testing.T) {
	mem := remote.NewMemory()
	e := newEnv(t, mem, nil, false)
	e.tracker.UpdateContentProgress(e.ctx, "go-101", "b", "b1", progress.ScrollPercent(100), true)

	e.tracker.Start(e.ctx)
	e.sw.Set(true)
	eventually(t, func() bool {
		n, _ := e.queue.Len()
		return n == 0
	})
	if rec, _ := mem.ReadProgress(e.ctx, "u1", progress.NewContentKey("go-101", "b", "b1")); rec == nil || !rec.Completed {
		t.Errorf("remote row %+v", rec)
	}
	e.tracker.Stop()
	e.tracker.Stop()
}

func TestTracker_SyncsOnStart(t *testing.T) {
	mem := remote.NewMemory()
	e := newEnv(t, mem, nil, true)
	e.orch.TrackInteraction(e.ctx, progress.NewContentKey("go-101", "a", "a1"), "seek", nil)

	mem.FailWith(progress.ErrNetwork)
	e.orch.TrackInteraction(e.ctx, progress.NewContentKey("go-101", "a", "a1"), "pause", nil)
	mem.FailWith(nil)

	e.tracker.Start(e.ctx)
	eventually(t, func() bool { return len(mem.Interactions("u1")) == 2 })
}

func TestTracker_FollowsOtherSessions(t *testing.T) {
	mem := remote.NewMemory()
	feed := changefeed.NewMemory()
	first := newEnv(t, mem, feed, true)
	second := newEnv(t, mem, feed, true)

	second.tracker.LoadCourse(second.ctx, "go-101")
	snapshots, unsubscribe := second.tracker.Subscribe()
	defer unsubscribe()
	second.tracker.Start(second.ctx)

	first.tracker.UpdateContentProgress(first.ctx, "go-101", "b", "b1", progress.ScrollPercent(100), true)

	eventually(t, func() bool {
		select {
		case cp := <-snapshots:
			b, _ := cp.Module("b")
			return b.Completed
		default:
			return false
		}
	})
}
