package jobstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vidpipe/internal/jobs"
	"vidpipe/internal/jobstore"
	"vidpipe/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenJobStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob("job-1", "uploads/job-1/clip.mp4", "720p")
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	fetched, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != jobs.StatusCreated || fetched.InputKey != "uploads/job-1/clip.mp4" || fetched.Preset != "720p" {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}
	if fetched.CreatedAt.IsZero() || fetched.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be populated")
	}
	if fetched.StartedAt != nil || fetched.OutputKey != "" {
		t.Fatalf("expected fresh job without start or output, got %#v", fetched)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := jobstore.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if err := store.Put(context.Background(), testsupport.NewJob("persist", "uploads/persist/a.mp4", "")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_ = store.Close()

	reopened, err := jobstore.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(context.Background(), "persist"); err != nil {
		t.Fatalf("expected record after reopen: %v", err)
	}
}

func TestPutRejectsDuplicate(t *testing.T) {
	store := testsupport.MustOpenJobStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	if err := store.Put(ctx, testsupport.NewJob("dup", "uploads/dup/a.mp4", "")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	err := store.Put(ctx, testsupport.NewJob("dup", "uploads/dup/b.mp4", ""))
	if !errors.Is(err, jobs.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := testsupport.MustOpenJobStore(t, testsupport.NewConfig(t))
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	patch, cond := jobs.Heartbeat("token", time.Now())
	if _, err := store.Update(context.Background(), "nope", patch, cond); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Update, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	store := testsupport.MustOpenJobStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	if err := store.Put(ctx, testsupport.NewJob("life", "uploads/life/a.mp4", "480p")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	now := time.Now().UTC()
	patch, cond := jobs.Claim("token-a", now, now.Add(-time.Hour))
	claimed, err := store.Update(ctx, "life", patch, cond)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Status != jobs.StatusProcessing || claimed.Attempts != 1 || claimed.WorkerToken != "token-a" {
		t.Fatalf("unexpected claimed record: %#v", claimed)
	}
	if claimed.StartedAt == nil || claimed.HeartbeatAt == nil {
		t.Fatal("expected started and heartbeat timestamps")
	}

	patch, cond = jobs.ReportProgress("token-a", 42.5, now.Add(time.Second))
	progressed, err := store.Update(ctx, "life", patch, cond)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progressed.Progress != 42.5 {
		t.Fatalf("unexpected progress: %v", progressed.Progress)
	}

	patch, cond = jobs.Complete("token-a", "outputs/life/480p.mp4", now.Add(2*time.Second))
	done, err := store.Update(ctx, "life", patch, cond)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != jobs.StatusDone || done.OutputKey != "outputs/life/480p.mp4" || done.Progress != 100 {
		t.Fatalf("unexpected done record: %#v", done)
	}

	// A second commit from the same attempt is rejected and reports the terminal record.
	current, err := store.Update(ctx, "life", patch, cond)
	if !errors.Is(err, jobs.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed on replay, got %v", err)
	}
	if current == nil || current.Status != jobs.StatusDone {
		t.Fatalf("expected current terminal record alongside error, got %#v", current)
	}
}

func TestClaimSkipsFreshProcessingAndReclaimsStale(t *testing.T) {
	store := testsupport.MustOpenJobStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	if err := store.Put(ctx, testsupport.NewJob("stale", "uploads/stale/a.mp4", "")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	start := time.Now().UTC().Add(-2 * time.Hour)
	patch, cond := jobs.Claim("token-a", start, start.Add(-time.Hour))
	if _, err := store.Update(ctx, "stale", patch, cond); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	// Cutoff before the first claim: the attempt still counts as alive.
	now := time.Now().UTC()
	patch, cond = jobs.Claim("token-b", now, start.Add(-time.Minute))
	if _, err := store.Update(ctx, "stale", patch, cond); !errors.Is(err, jobs.ErrConditionFailed) {
		t.Fatalf("expected fresh processing record to be protected, got %v", err)
	}

	patch, cond = jobs.Claim("token-b", now, now.Add(-30*time.Minute))
	reclaimed, err := store.Update(ctx, "stale", patch, cond)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed.WorkerToken != "token-b" || reclaimed.Attempts != 2 {
		t.Fatalf("unexpected reclaimed record: %#v", reclaimed)
	}

	// The zombie attempt can no longer commit.
	patch, cond = jobs.Complete("token-a", "outputs/stale/480p.mp4", now)
	if _, err := store.Update(ctx, "stale", patch, cond); !errors.Is(err, jobs.ErrConditionFailed) {
		t.Fatalf("expected zombie commit to fail, got %v", err)
	}
	patch, cond = jobs.Fail("token-b", "ffmpeg exited with code 1", "codec error", now)
	failed, err := store.Update(ctx, "stale", patch, cond)
	if err != nil {
		t.Fatalf("owner fail commit failed: %v", err)
	}
	if failed.Status != jobs.StatusError || failed.OutputKey != "" || failed.ErrorDetail != "codec error" {
		t.Fatalf("unexpected failed record: %#v", failed)
	}
}

func TestConcurrentClaimsHaveSingleWinner(t *testing.T) {
	store := testsupport.MustOpenJobStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	if err := store.Put(ctx, testsupport.NewJob("race", "uploads/race/a.mp4", "")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	now := time.Now().UTC()
	for i := range contenders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patch, cond := jobs.Claim(string(rune('a'+i)), now, now.Add(-time.Hour))
			if _, err := store.Update(ctx, "race", patch, cond); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, jobs.ErrConditionFailed) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	store := testsupport.MustOpenJobStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		job := testsupport.NewJob(id, "uploads/"+id+"/x.mp4", "")
		job.Owner = "alice"
		if id == "c" {
			job.Owner = "bob"
		}
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Put(ctx, job); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
	}
	patch, cond := jobs.Claim("t", time.Now(), time.Now().Add(-time.Hour))
	if _, err := store.Update(ctx, "b", patch, cond); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	all, err := store.List(ctx, jobs.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("expected newest first, got %v", ids(all))
	}

	created, err := store.List(ctx, jobs.ListOptions{Statuses: []jobs.Status{jobs.StatusCreated}, Owner: "alice"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(created) != 1 || created[0].ID != "a" {
		t.Fatalf("unexpected filtered list: %v", ids(created))
	}

	limited, err := store.List(ctx, jobs.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestPrepareOnlyAppliesToCreated(t *testing.T) {
	store := testsupport.MustOpenJobStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	if err := store.Put(ctx, testsupport.NewJob("prep", "uploads/prep/a.mp4", "480p")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	patch, cond := jobs.Prepare("", "1080p", time.Now())
	updated, err := store.Update(ctx, "prep", patch, cond)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if updated.Preset != "1080p" || updated.InputKey != "uploads/prep/a.mp4" {
		t.Fatalf("unexpected prepared job: %#v", updated)
	}

	claim, claimCond := jobs.Claim("t", time.Now(), time.Now().Add(-time.Hour))
	if _, err := store.Update(ctx, "prep", claim, claimCond); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := store.Update(ctx, "prep", patch, cond); !errors.Is(err, jobs.ErrConditionFailed) {
		t.Fatalf("expected preset to be immutable once processing, got %v", err)
	}
}

func ids(list []*jobs.Job) []string {
	out := make([]string, 0, len(list))
	for _, job := range list {
		out = append(out, job.ID)
	}
	return out
}
