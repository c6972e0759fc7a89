package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
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
	"github.com/pot-code/progress-sync/internal/syncqueue"
)

var (
	video = progress.NewContentKey("go-101", "basics", "intro")
	notes = progress.NewContentKey("go-101", "basics", "notes")
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	kv    driver.KeyValueDB
	store remote.Persistence
	sw    *connectivity.Switch
	feed  changefeed.Feed
	local *localstore.Store
	queue *syncqueue.Queue
	o     *Orchestrator
}

func newHarness(t *testing.T, kv driver.KeyValueDB, store remote.Persistence, sw *connectivity.Switch, policy syncqueue.RetryPolicy) *harness {
	ctx := logging.SetLoggerInContext(context.Background(), zaptest.NewLogger(t))
	ids := uuid.NewNanoIDGenerator(16)
	h := &harness{
		t:     t,
		ctx:   ctx,
		kv:    kv,
		store: store,
		sw:    sw,
		feed:  changefeed.NewMemory(),
		local: localstore.New(ctx, kv, "u1"),
		queue: syncqueue.New(kv, "u1", ids, policy),
	}
	h.o = New(ctx, Config{
		UserID:    "u1",
		SessionID: uuid.MustGenerate(ids),
		Local:     h.local,
		Queue:     h.queue,
		Remote:    remote.NewService(store, 3),
		Online:    sw,
		Feed:      h.feed,
		IDs:       ids,
	})
	return h
}

func newMemoryHarness(t *testing.T, online bool) (*harness, *remote.Memory) {
	mem := remote.NewMemory()
	return newHarness(t, driver.NewMemoryKV(), mem, connectivity.NewSwitch(online), syncqueue.DefaultRetryPolicy()), mem
}

func (h *harness) remoteRow(key progress.ContentKey) *progress.Record {
	h.t.Helper()
	rec, err := h.store.ReadProgress(h.ctx, "u1", key)
	if err != nil {
		h.t.Fatal(err)
	}
	return rec
}

func TestSaveProgress_Online(t *testing.T) {
	h, mem := newMemoryHarness(t, true)

	rec, err := h.o.SaveProgress(h.ctx, video, progress.Seconds(30), false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 {
		t.Errorf("version = %d", rec.Version)
	}
	if s := h.o.ContentState(video); s != Synced {
		t.Errorf("state = %s", s)
	}
	if n, _ := h.queue.Len(); n != 0 || mem.Writes() != 1 {
		t.Errorf("queued %d, writes %d", n, mem.Writes())
	}

	rec, _ = h.o.SaveProgress(h.ctx, video, progress.Seconds(60), false)
	if rec.Version != 2 || h.remoteRow(video).Position.Value != 60 {
		t.Errorf("second write %+v", rec)
	}
}

func TestSaveProgress_InvalidInput(t *testing.T) {
	h, _ := newMemoryHarness(t, true)
	if _, err := h.o.SaveProgress(h.ctx, video, progress.Seconds(-3), false); !errors.Is(err, progress.ErrInvalidRecord) {
		t.Errorf("error = %v", err)
	}
	if _, err := h.o.SaveProgress(h.ctx, progress.NewContentKey("c", "", "x"), progress.Seconds(3), false); !errors.Is(err, progress.ErrInvalidRecord) {
		t.Errorf("error = %v", err)
	}
}

func TestSaveProgress_RemoteFailureIsQueued(t *testing.T) {
	h, mem := newMemoryHarness(t, true)
	mem.FailWith(progress.ErrServer)

	rec, err := h.o.SaveProgress(h.ctx, video, progress.Seconds(30), false)
	if err != nil {
		t.Fatalf("caller must see success, got %v", err)
	}
	if rec.Position.Value != 30 {
		t.Errorf("local write lost: %+v", rec)
	}
	if s := h.o.ContentState(video); s != SyncFailed {
		t.Errorf("state = %s", s)
	}
	if n, _ := h.queue.Len(); n != 1 {
		t.Errorf("queued %d", n)
	}
	if st := h.o.Status(); st.Pending != 1 {
		t.Errorf("status %+v", st)
	}
}

// watch to 95% offline, reconnect, drain, then another device reads the synced row
func TestEndToEnd_OfflineThenSync(t *testing.T) {
	h, mem := newMemoryHarness(t, false)

	rec, err := h.o.SaveProgress(h.ctx, video, progress.Seconds(570), true)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Completed {
		t.Fatal("local record must be completed")
	}
	if s := h.o.ContentState(video); s != SyncFailed {
		t.Errorf("state = %s", s)
	}
	if st := h.o.Status(); st.State != StateOffline || st.Pending != 1 {
		t.Errorf("status %+v", st)
	}
	if h.remoteRow(video) != nil {
		t.Fatal("nothing may reach the remote side while offline")
	}

	h.sw.Set(true)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Err != nil || report.Succeeded != 1 || report.Remaining != 0 {
		t.Fatalf("report %+v", report)
	}
	row := h.remoteRow(video)
	if row == nil || !row.Completed || row.Version != 1 {
		t.Fatalf("remote row %+v", row)
	}
	if s := h.o.ContentState(video); s != Synced {
		t.Errorf("state = %s", s)
	}
	if st := h.o.Status(); st.State != StateSynced || st.LastSyncedAt.IsZero() {
		t.Errorf("status %+v", st)
	}

	other := newHarness(t, driver.NewMemoryKV(), mem, connectivity.NewSwitch(true), syncqueue.DefaultRetryPolicy())
	other.local.Put(&progress.Record{
		Key:         video,
		Position:    progress.Seconds(10),
		LastUpdated: time.UnixMilli(rec.LastUpdated.UnixMilli() - 60000),
	})
	got, err := other.o.GetProgress(other.ctx, video)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed || got.Version != 1 || got.Position.Value != 570 {
		t.Errorf("second device read stale record %+v", got)
	}
	if local, _ := other.local.Get(video); !local.Equal(got) {
		t.Errorf("second device local not updated: %+v", local)
	}
}

func TestOfflineQueue_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	kv, err := driver.NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	mem := remote.NewMemory()
	sw := connectivity.NewSwitch(false)

	h := newHarness(t, kv, mem, sw, syncqueue.DefaultRetryPolicy())
	h.o.SaveProgress(h.ctx, video, progress.Seconds(120), true)
	h.o.Close()
	kv.Close()

	kv, err = driver.NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	h = newHarness(t, kv, mem, sw, syncqueue.DefaultRetryPolicy())
	if s := h.o.ContentState(video); s != SyncFailed {
		t.Errorf("state after restart = %s", s)
	}

	sw.Set(true)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Succeeded != 1 || report.Remaining != 0 {
		t.Fatalf("report %+v", report)
	}
	if row := h.remoteRow(video); row == nil || !row.Completed || row.Position.Value != 120 {
		t.Errorf("remote row %+v", row)
	}
}

func TestOfflineQueue_KeepsLatestWriteOfKey(t *testing.T) {
	h, _ := newMemoryHarness(t, false)
	for _, pos := range []float64{10, 20, 30} {
		h.o.SaveProgress(h.ctx, video, progress.Seconds(pos), false)
	}
	if st := h.o.Status(); st.Pending != 1 {
		t.Fatalf("writes of one key should share a queue item: %+v", st)
	}

	h.sw.Set(true)
	if report := h.o.SyncOfflineData(h.ctx, SyncOptions{}); report.Err != nil || report.Remaining != 0 {
		t.Fatalf("report %+v", report)
	}
	if row := h.remoteRow(video); row.Position.Value != 30 || row.Version != 1 {
		t.Errorf("remote row %+v", row)
	}

	h.sw.Set(false)
	for _, pos := range []float64{40, 50, 60} {
		h.o.SaveProgress(h.ctx, video, progress.Seconds(pos), false)
	}
	h.sw.Set(true)
	h.o.SyncOfflineData(h.ctx, SyncOptions{})
	row := h.remoteRow(video)
	if row.Position.Value != 60 || row.Version != 2 {
		t.Errorf("remote row %+v", row)
	}
	if local, _ := h.local.Get(video); !local.Equal(row) {
		t.Errorf("local %+v, remote %+v", local, row)
	}
}

func TestOfflineQueue_WriteDuringReplay(t *testing.T) {
	h, mem := newMemoryHarness(t, false)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)

	var once sync.Once
	mem.Inject(func(op remote.Op, userID string, key progress.ContentKey) error {
		if op == remote.OpWrite {
			// a new offline write lands while the queued one is in flight
			once.Do(func() {
				h.sw.Set(false)
				h.o.SaveProgress(h.ctx, video, progress.Seconds(99), false)
				h.sw.Set(true)
			})
		}
		return nil
	})
	h.sw.Set(true)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Succeeded != 1 || report.Remaining != 1 {
		t.Fatalf("report %+v", report)
	}
	if got, _ := h.o.GetProgress(h.ctx, video); got.Position.Value != 99 {
		t.Errorf("queued write hidden: %+v", got)
	}

	report = h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Succeeded != 1 || report.Remaining != 0 {
		t.Fatalf("report %+v", report)
	}
	if row := h.remoteRow(video); row.Position.Value != 99 || row.Version != 2 {
		t.Errorf("remote row %+v", row)
	}
	if st := h.o.Status(); st.Pending != 0 || st.State != StateSynced {
		t.Errorf("status %+v", st)
	}
}

// flakyKV fails writes or reads on demand
type flakyKV struct {
	*driver.MemoryKV
	failSet bool
	failGet bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyKV) SetEX(key string, value string, expiration time.Duration) error {
	if f.failSet {
		return errDiskFull
	}
	return f.MemoryKV.SetEX(key, value, expiration)
}

func (f *flakyKV) Get(key string) (string, error) {
	if f.failGet {
		return "", errDiskFull
	}
	return f.MemoryKV.Get(key)
}

func TestOfflineQueue_StorageFailureKeepsWrite(t *testing.T) {
	mem := remote.NewMemory()
	kv := &flakyKV{MemoryKV: driver.NewMemoryKV(), failSet: true}
	h := newHarness(t, kv, mem, connectivity.NewSwitch(false), syncqueue.DefaultRetryPolicy())

	if _, err := h.o.SaveProgress(h.ctx, video, progress.Seconds(42), true); err != nil {
		t.Fatal(err)
	}
	st := h.o.Status()
	if !st.Degraded || st.Pending != 1 {
		t.Fatalf("status %+v", st)
	}

	h.sw.Set(true)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Succeeded != 1 || report.Remaining != 0 {
		t.Fatalf("report %+v", report)
	}
	if row := h.remoteRow(video); row == nil || !row.Completed || row.Position.Value != 42 {
		t.Errorf("remote row %+v", row)
	}
	if st := h.o.Status(); st.Pending != 0 || !st.Degraded {
		t.Errorf("status %+v", st)
	}
}

func TestSaveProgress_LocalReadFailure(t *testing.T) {
	mem := remote.NewMemory()
	kv := &flakyKV{MemoryKV: driver.NewMemoryKV()}
	h := newHarness(t, kv, mem, connectivity.NewSwitch(true), syncqueue.DefaultRetryPolicy())
	h.o.SaveProgress(h.ctx, video, progress.Seconds(300), true)

	kv.failGet = true
	if _, err := h.o.SaveProgress(h.ctx, video, progress.Seconds(12), false); err != nil {
		t.Fatal(err)
	}
	row := h.remoteRow(video)
	if row.Version != 2 || !row.Completed || row.Position.Value != 12 {
		t.Errorf("write built on an empty record: %+v", row)
	}

	h.sw.Set(false)
	if _, err := h.o.SaveProgress(h.ctx, notes, progress.ScrollPercent(10), false); !errors.Is(err, progress.ErrStorage) {
		t.Errorf("error = %v", err)
	}
}

func TestSaveProgress_ConcurrentWritesKeepCompleted(t *testing.T) {
	h, _ := newMemoryHarness(t, false)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.o.SaveProgress(h.ctx, video, progress.Seconds(float64(i)), i%2 == 0)
		}(i)
	}
	wg.Wait()

	if local, _ := h.local.Get(video); local == nil || !local.Completed {
		t.Fatalf("completed lost locally: %+v", local)
	}
	if n, _ := h.queue.Len(); n != 1 {
		t.Errorf("queued %d", n)
	}
	h.sw.Set(true)
	h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if row := h.remoteRow(video); !row.Completed {
		t.Errorf("remote row %+v", row)
	}
}

// lostAck applies writes but reports a network error for the first n of them
type lostAck struct {
	*remote.Memory
	n int
}

func (l *lostAck) WriteProgress(ctx context.Context, userID string, rec *progress.Record) (*progress.Record, error) {
	out, err := l.Memory.WriteProgress(ctx, userID, rec)
	if err == nil && l.n > 0 {
		l.n--
		return nil, progress.ErrNetwork
	}
	return out, err
}

func TestReplayAfterAmbiguousFailure(t *testing.T) {
	mem := remote.NewMemory()
	store := &lostAck{Memory: mem, n: 1}
	h := newHarness(t, driver.NewMemoryKV(), store, connectivity.NewSwitch(true), syncqueue.DefaultRetryPolicy())

	h.o.SaveProgress(h.ctx, video, progress.Seconds(300), true)
	if n, _ := h.queue.Len(); n != 1 {
		t.Fatalf("queued %d", n)
	}
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Succeeded != 1 {
		t.Fatalf("report %+v", report)
	}
	row := h.remoteRow(video)
	if mem.Writes() != 1 || row.Version != 1 || !row.Completed || row.Position.Value != 300 {
		t.Errorf("replay double-applied: writes=%d row=%+v", mem.Writes(), row)
	}
}

func TestCompletedIsSticky(t *testing.T) {
	h, _ := newMemoryHarness(t, true)

	h.o.SaveProgress(h.ctx, video, progress.Seconds(570), true)
	rec, _ := h.o.SaveProgress(h.ctx, video, progress.Seconds(12), false)
	if !rec.Completed {
		t.Error("local completed reverted")
	}
	if !h.remoteRow(video).Completed {
		t.Error("remote completed reverted")
	}

	h.sw.Set(false)
	rec, _ = h.o.SaveProgress(h.ctx, video, progress.Seconds(5), false)
	if !rec.Completed {
		t.Error("offline write reverted completed")
	}
	h.sw.Set(true)
	h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if row := h.remoteRow(video); !row.Completed || row.Position.Value != 5 {
		t.Errorf("remote row %+v", row)
	}
}

func TestSync_FailingItemDoesNotBlock(t *testing.T) {
	h, mem := newMemoryHarness(t, false)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)
	h.o.SaveProgress(h.ctx, notes, progress.ScrollPercent(80), false)

	mem.Inject(func(op remote.Op, userID string, key progress.ContentKey) error {
		if op == remote.OpWrite && key == video {
			return progress.ErrServer
		}
		return nil
	})
	h.sw.Set(true)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Attempted != 2 || report.Failed != 1 || report.Succeeded != 1 || report.Remaining != 1 {
		t.Fatalf("report %+v", report)
	}
	if h.remoteRow(notes) == nil {
		t.Error("healthy item was not synced")
	}
	pending, _ := h.queue.ListPending()
	if len(pending) != 1 || pending[0].Status != syncqueue.StatusFailed || pending[0].RetryCount != 1 {
		t.Errorf("pending %+v", pending)
	}
	if st := h.o.Status(); st.State != StateFailing {
		t.Errorf("status %+v", st)
	}

	// backing off, an automatic pass skips it
	report = h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Attempted != 0 || report.Skipped != 1 {
		t.Errorf("report %+v", report)
	}
}

func TestSync_AuthErrorAbortsPass(t *testing.T) {
	h, mem := newMemoryHarness(t, false)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)
	h.o.SaveProgress(h.ctx, notes, progress.ScrollPercent(80), false)

	mem.FailWith(progress.ErrAuth)
	h.sw.Set(true)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if !errors.Is(report.Err, progress.ErrAuth) || report.Attempted != 0 || report.Failed != 0 {
		t.Fatalf("report %+v", report)
	}
	pending, _ := h.queue.ListPending()
	for _, it := range pending {
		if it.RetryCount != 0 || it.Status != syncqueue.StatusPending {
			t.Errorf("item touched: %+v", it)
		}
	}
	if st := h.o.Status(); st.State != StateAuthExpired {
		t.Errorf("status %+v", st)
	}

	mem.FailWith(nil)
	if report := h.o.SyncOfflineData(h.ctx, SyncOptions{Force: true}); report.Succeeded != 2 {
		t.Fatalf("report %+v", report)
	}
	if st := h.o.Status(); st.State != StateSynced {
		t.Errorf("status after re-login %+v", st)
	}
}

func TestSync_CloseAbortsPass(t *testing.T) {
	h, mem := newMemoryHarness(t, false)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)
	h.o.SaveProgress(h.ctx, notes, progress.ScrollPercent(80), false)

	mem.Inject(func(op remote.Op, userID string, key progress.ContentKey) error {
		if op == remote.OpWrite {
			h.o.Close() // logout while the first replay is in flight
			return context.Canceled
		}
		return nil
	})
	h.sw.Set(true)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if !errors.Is(report.Err, progress.ErrSessionClosed) || report.Failed != 0 {
		t.Fatalf("report %+v", report)
	}
	if n, _ := h.queue.Len(); n != 2 {
		t.Errorf("queue lost items: %d", n)
	}
	if mem.Writes() != 0 {
		t.Error("stale session wrote after logout")
	}
	if _, err := h.o.SaveProgress(h.ctx, video, progress.Seconds(20), false); !errors.Is(err, progress.ErrSessionClosed) {
		t.Errorf("SaveProgress after close = %v", err)
	}
}

func TestSync_DeadLetterAndManualRevive(t *testing.T) {
	mem := remote.NewMemory()
	policy := syncqueue.RetryPolicy{InitialInterval: time.Nanosecond, MaxInterval: time.Nanosecond, Multiplier: 1, MaxAttempts: 2}
	h := newHarness(t, driver.NewMemoryKV(), mem, connectivity.NewSwitch(false), policy)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)

	mem.FailWith(progress.ErrServer)
	h.sw.Set(true)
	h.o.SyncOfflineData(h.ctx, SyncOptions{})
	time.Sleep(time.Millisecond)
	report := h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if report.Dead != 1 {
		t.Fatalf("report %+v", report)
	}
	st := h.o.Status()
	if st.State != StateFailing || st.Dead != 1 || st.Pending != 0 {
		t.Errorf("status %+v", st)
	}
	if report := h.o.SyncOfflineData(h.ctx, SyncOptions{}); report.Attempted != 0 {
		t.Errorf("automatic pass retried a dead item: %+v", report)
	}

	mem.FailWith(nil)
	report = h.o.SyncOfflineData(h.ctx, SyncOptions{Force: true})
	if report.Revived != 1 || report.Succeeded != 1 || report.Remaining != 0 {
		t.Fatalf("report %+v", report)
	}
	if st := h.o.Status(); st.State != StateSynced || st.Dead != 0 {
		t.Errorf("status %+v", st)
	}
}

func TestSync_Offline(t *testing.T) {
	h, _ := newMemoryHarness(t, false)
	if report := h.o.SyncOfflineData(h.ctx, SyncOptions{}); !errors.Is(report.Err, progress.ErrOffline) {
		t.Errorf("report %+v", report)
	}
}

func TestGetProgress_FallsBackToLocal(t *testing.T) {
	h, mem := newMemoryHarness(t, true)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(42), false)

	mem.FailWith(progress.ErrNetwork)
	got, err := h.o.GetProgress(h.ctx, video)
	if err != nil || got == nil || got.Position.Value != 42 {
		t.Fatalf("GetProgress = %+v, %v", got, err)
	}

	h.sw.Set(false)
	if got, _ := h.o.GetProgress(h.ctx, notes); got != nil {
		t.Errorf("unknown key = %+v", got)
	}
}

func TestGetProgress_KeepsQueuedLocalWrite(t *testing.T) {
	h, mem := newMemoryHarness(t, true)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)

	// another device moves the remote row forward
	row := h.remoteRow(video)
	row.Position = progress.Seconds(20)
	row.LastUpdated = row.LastUpdated.Add(-time.Second)
	mem.WriteProgress(h.ctx, "u1", row)

	mem.FailWith(progress.ErrServer)
	h.o.SaveProgress(h.ctx, video, progress.Seconds(90), false)
	mem.FailWith(nil)

	got, _ := h.o.GetProgress(h.ctx, video)
	if got.Position.Value != 90 {
		t.Errorf("queued local write hidden by remote row: %+v", got)
	}
}

func TestGetAllUserProgress(t *testing.T) {
	h, mem := newMemoryHarness(t, true)
	mem.WriteProgress(h.ctx, "u1", &progress.Record{Key: notes, Position: progress.ScrollPercent(50), LastUpdated: progress.Now()})
	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)

	all, err := h.o.GetAllUserProgress(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("records %+v", all)
	}
	h.sw.Set(false)
	if all, _ := h.o.GetAllUserProgress(h.ctx); len(all) != 2 {
		t.Errorf("offline records %+v", all)
	}
}

func TestTrackInteraction(t *testing.T) {
	h, mem := newMemoryHarness(t, false)
	e, err := h.o.TrackInteraction(h.ctx, video, "seek", []byte(`{"to":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if e.Synced {
		t.Error("offline event cannot be synced")
	}
	h.sw.Set(true)
	if report := h.o.SyncOfflineData(h.ctx, SyncOptions{}); report.Succeeded != 1 {
		t.Fatalf("report %+v", report)
	}
	if got := mem.Interactions("u1"); len(got) != 1 || got[0].ID != e.ID {
		t.Errorf("interactions %+v", got)
	}

	e, _ = h.o.TrackInteraction(h.ctx, video, "pause", nil)
	if !e.Synced {
		t.Error("online event should be delivered directly")
	}
	if _, err := h.o.TrackInteraction(h.ctx, video, "", nil); !errors.Is(err, progress.ErrInvalidRecord) {
		t.Errorf("error = %v", err)
	}
}

func TestSaveProgress_PublishesChange(t *testing.T) {
	h, _ := newMemoryHarness(t, true)
	changes, cancel, _ := h.feed.Subscribe(h.ctx, "u1")
	defer cancel()

	h.o.SaveProgress(h.ctx, video, progress.Seconds(10), false)
	select {
	case c := <-changes:
		if c.Key != video.String() || c.Origin != h.o.SessionID() {
			t.Errorf("change %+v", c)
		}
	default:
		t.Fatal("no change published")
	}
}

func TestSync_Heartbeat(t *testing.T) {
	h, mem := newMemoryHarness(t, true)
	h.o.SyncOfflineData(h.ctx, SyncOptions{})
	if _, ok := mem.LastActivity("u1", h.o.SessionID()); !ok {
		t.Error("no session heartbeat")
	}

	mem.Inject(func(op remote.Op, userID string, key progress.ContentKey) error {
		if op == remote.OpTouch {
			return progress.ErrServer
		}
		return nil
	})
	if report := h.o.SyncOfflineData(h.ctx, SyncOptions{}); report.Err != nil {
		t.Errorf("heartbeat failure must not fail the pass: %v", report.Err)
	}
}
