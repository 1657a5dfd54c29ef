package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"tgsearch/internal/config"
	"tgsearch/internal/configstore"
	"tgsearch/internal/model"
	"tgsearch/internal/snapshot"
	"tgsearch/internal/tgsearch"
)

// testConfig returns a config that keeps everything in memory except the
// export directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Database.Type = "memory"
	cfg.Search.Backend = "memory"
	cfg.Search.CacheEnabled = false
	cfg.Secrets.Type = "none"
	cfg.Snapshot.Type = "memory"
	cfg.Runtime.PollIntervalSec = 1
	if err := os.MkdirAll(cfg.Source.ExportDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, operation, Options{Logger: tgsearch.NewNopLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func writeChat(t *testing.T, cfg *config.Config, dialogID int64, n int) {
	t.Helper()
	var msgs []string
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		msgs = append(msgs, fmt.Sprintf(
			`{"id":%d,"type":"message","date_unixtime":"%d","from":"Bob","from_id":"user3","text":"gopher note %d"}`,
			i, base.Add(time.Duration(i)*time.Hour).Unix(), i))
	}
	body := fmt.Sprintf(`{"name":"Chat %d","type":"private_group","messages":[%s]}`, dialogID, strings.Join(msgs, ","))
	path := filepath.Join(cfg.Source.ExportDir, fmt.Sprintf("%d.json", dialogID))
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestNew(t *testing.T) {
	t.Run("bootstraps policy from config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Policy.WhiteList = []int64{10, 20}
		a := newTestApp(t, cfg, "ShowPolicy")
		defer a.Close()

		p, err := a.Policy(context.Background())
		if err != nil {
			t.Fatalf("Policy() error = %v", err)
		}
		if !slices.Equal(p.WhiteList, []int64{10, 20}) || p.Version != 1 {
			t.Errorf("policy = %+v", p)
		}
	})

	t.Run("rejects unknown backends", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Search.Backend = "solr"
		if _, err := New(context.Background(), cfg, "x", Options{Logger: tgsearch.NewNopLogger()}); err == nil {
			t.Error("New() error = nil for unknown search backend")
		}
	})

	t.Run("sqlite store under data dir", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database.Type = "sqlite"
		a := newTestApp(t, cfg, "ShowConfig")
		if err := a.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(cfg.Database.DataDir, "config.db")); err != nil {
			t.Errorf("config.db not created: %v", err)
		}
	})
}

func TestApp_AcceptDialogs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeChat(t, cfg, 1, 1)
	writeChat(t, cfg, 2, 1)
	a := newTestApp(t, cfg, "AcceptDialogs")
	defer a.Close()

	if _, err := a.ChangePolicy(ctx, PolicyDeny, []int64{2}); err != nil {
		t.Fatalf("ChangePolicy() error = %v", err)
	}

	res, err := a.AcceptDialogs(ctx, []int64{1, 2, 3}, model.SyncStatePaused, nil)
	if err != nil {
		t.Fatalf("AcceptDialogs() error = %v", err)
	}
	if !slices.Equal(res.Accepted, []int64{1}) {
		t.Errorf("Accepted = %v, want [1]", res.Accepted)
	}
	if !slices.Equal(res.Ignored, []int64{2}) {
		t.Errorf("Ignored = %v, want [2]", res.Ignored)
	}
	if !slices.Equal(res.NotFound, []int64{3}) {
		t.Errorf("NotFound = %v, want [3]", res.NotFound)
	}

	dialogs, err := a.ListDialogs(ctx)
	if err != nil {
		t.Fatalf("ListDialogs() error = %v", err)
	}
	if len(dialogs) != 1 || dialogs[0].ID != 1 || dialogs[0].SyncState != model.SyncStatePaused {
		t.Errorf("dialogs = %+v", dialogs)
	}

	if _, err := a.SetDialogState(ctx, 9, model.SyncStateActive); !errors.Is(err, tgsearch.ErrDialogNotSynced) {
		t.Errorf("SetDialogState() error = %v, want ErrDialogNotSynced", err)
	}
	if a.Operation().Status != StatusError {
		t.Errorf("operation status = %q after failed call", a.Operation().Status)
	}
}

func TestApp_RunIndexesActiveDialogs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeChat(t, cfg, 5, 7)
	a := newTestApp(t, cfg, "Run")
	defer a.Close()

	if _, err := a.AcceptDialogs(ctx, []int64{5}, model.SyncStateActive, nil); err != nil {
		t.Fatalf("AcceptDialogs() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- a.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		gc, err := a.Config(ctx)
		if err != nil {
			t.Fatalf("Config() error = %v", err)
		}
		if gc.Sync.Dialogs[5].LastSyncedAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dialog 5 was not synced in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !a.RuntimeStatus().IsRunning {
		t.Error("runtime not running while Run blocks")
	}
	if !a.sched.IsRunning() {
		t.Error("scheduler worker not running while Run blocks")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if a.RuntimeStatus().IsRunning {
		t.Error("runtime still running after Run returned")
	}
	if a.sched.IsRunning() {
		t.Error("scheduler worker still running after Run returned")
	}

	res, err := a.Search(ctx, model.SearchQuery{Q: "gopher"}, 0, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if res.Page.TotalHits != 7 || len(res.Page.Hits) != 3 {
		t.Fatalf("page = %d hits of %d, want 3 of 7", len(res.Page.Hits), res.Page.TotalHits)
	}
	if res.Next == "" || res.Prev != "" {
		t.Errorf("tokens next=%q prev=%q", res.Next, res.Prev)
	}

	next, err := a.SearchToken(ctx, res.Next)
	if err != nil {
		t.Fatalf("SearchToken() error = %v", err)
	}
	if next.PageNum != 1 || next.Prev == "" || len(next.Page.Hits) != 3 {
		t.Errorf("next page = %+v", next)
	}
	if next.Page.Hits[0].ID == res.Page.Hits[0].ID {
		t.Error("second page repeats the first hit")
	}

	progress := a.Progress()
	if len(progress) != 1 || progress[0].DialogID != 5 {
		t.Errorf("progress = %+v", progress)
	}

	st := a.Status(ctx)
	if st.Index.TotalDocuments != 7 || st.System.IndexedMessages != 7 {
		t.Errorf("status index = %+v", st.Index)
	}
	if st.Runtime.IsRunning || len(st.Progress.Dialogs) != 1 {
		t.Errorf("status runtime = %+v progress = %+v", st.Runtime, st.Progress)
	}
}

func TestApp_Status(t *testing.T) {
	a := newTestApp(t, testConfig(t), "ShowStatus")
	defer a.Close()

	st := a.Status(context.Background())
	if !st.Index.BackendConnected || st.Index.TotalDocuments != 0 || len(st.Index.Errors) != 0 {
		t.Errorf("Index = %+v", st.Index)
	}
	if st.Runtime.State != model.RuntimeStopped || st.Runtime.IsRunning {
		t.Errorf("Runtime = %+v", st.Runtime)
	}
	if st.Storage.TotalBytes == nil || *st.Storage.TotalBytes != 0 {
		t.Errorf("Storage = %+v", st.Storage)
	}
}

func TestApp_RunAPIOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.APIOnly = true
	a := newTestApp(t, cfg, "Run")
	defer a.Close()

	err := a.Run(context.Background())
	if tgsearch.ErrorCode(err) != tgsearch.CodeAPIOnlyMode {
		t.Errorf("Run() error = %v, want api-only", err)
	}
}

func TestApp_Close(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshots after a mutating operation", func(t *testing.T) {
		cfg := testConfig(t)
		a := newTestApp(t, cfg, "SetSection")
		sink := a.SnapshotSink().(*snapshot.MemorySink)

		days := 7
		if _, err := a.UpdateSection(ctx, configstore.StoragePatch{MediaRetentionDays: &days}); err != nil {
			t.Fatalf("UpdateSection() error = %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		names := sink.Names()
		if len(names) != 1 || !strings.HasPrefix(names[0], "config-v000001-") {
			t.Fatalf("snapshots = %v", names)
		}
		blob, _ := sink.Get(names[0])
		if !strings.HasPrefix(string(blob), "SQLite format 3") {
			t.Errorf("snapshot is not a SQLite database")
		}
	})

	t.Run("read-only operation takes no snapshot", func(t *testing.T) {
		cfg := testConfig(t)
		a := newTestApp(t, cfg, "ShowConfig")
		sink := a.SnapshotSink().(*snapshot.MemorySink)
		if _, err := a.Config(ctx); err != nil {
			t.Fatalf("Config() error = %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if got := sink.Names(); len(got) != 0 {
			t.Errorf("snapshots = %v, want none", got)
		}
	})
}
