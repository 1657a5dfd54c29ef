package policy

import (
	"context"
	"errors"
	"slices"
	"testing"

	"tgsearch/internal/configstore"
	"tgsearch/internal/model"
	"tgsearch/internal/testutil"
	"tgsearch/internal/tgsearch"
)

func newStore(t *testing.T) *configstore.Store {
	t.Helper()
	s, err := configstore.Open(":memory:", configstore.Options{Clock: testutil.FixedClock()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// racingStore lets a test commit a competing write between the service's
// load and save.
type racingStore struct {
	*configstore.Store
	beforeSave func()
}

func (r *racingStore) SaveConfig(ctx context.Context, p configstore.Patch, expected *int64) (*model.GlobalConfig, error) {
	if r.beforeSave != nil {
		fn := r.beforeSave
		r.beforeSave = nil
		fn()
	}
	return r.Store.SaveConfig(ctx, p, expected)
}

type brokenStore struct{}

func (brokenStore) LoadConfig(context.Context, bool) (*model.GlobalConfig, error) {
	return nil, errors.New("disk I/O error")
}

func (brokenStore) SaveConfig(context.Context, configstore.Patch, *int64) (*model.GlobalConfig, error) {
	return nil, errors.New("disk I/O error")
}

func TestService_EnsureInitialized(t *testing.T) {
	ctx := context.Background()

	t.Run("bootstrap lists seed an empty policy once", func(t *testing.T) {
		store := newStore(t)
		svc := New(store, Options{BootstrapWhiteList: []int64{1, 2}, BootstrapBlackList: []int64{3}})

		p, err := svc.GetPolicy(ctx, true)
		if err != nil {
			t.Fatalf("GetPolicy() error = %v", err)
		}
		if !slices.Equal(p.WhiteList, []int64{1, 2}) || !slices.Equal(p.BlackList, []int64{3}) {
			t.Errorf("policy = %+v", p)
		}
		if p.Version != 1 {
			t.Errorf("Version = %d, want 1", p.Version)
		}

		if err := svc.EnsureInitialized(ctx); err != nil {
			t.Fatalf("EnsureInitialized() error = %v", err)
		}
		cfg, _ := store.LoadConfig(ctx, true)
		if cfg.Version != 1 {
			t.Errorf("Version after second init = %d, want 1", cfg.Version)
		}
	})

	t.Run("stored lists win over bootstrap", func(t *testing.T) {
		store := newStore(t)
		wl := []int64{42}
		if _, err := store.UpdateSection(ctx, configstore.PolicyPatch{WhiteList: &wl}); err != nil {
			t.Fatalf("UpdateSection() error = %v", err)
		}
		svc := New(store, Options{BootstrapWhiteList: []int64{1}})

		p, err := svc.GetPolicy(ctx, true)
		if err != nil {
			t.Fatalf("GetPolicy() error = %v", err)
		}
		if !slices.Equal(p.WhiteList, []int64{42}) {
			t.Errorf("WhiteList = %v, want [42]", p.WhiteList)
		}
	})

	t.Run("losing the bootstrap race reloads", func(t *testing.T) {
		store := newStore(t)
		rs := &racingStore{Store: store}
		rs.beforeSave = func() {
			bl := []int64{99}
			if _, err := store.UpdateSection(ctx, configstore.PolicyPatch{BlackList: &bl}); err != nil {
				t.Errorf("UpdateSection() error = %v", err)
			}
		}
		svc := New(rs, Options{BootstrapWhiteList: []int64{1}})

		p, err := svc.GetPolicy(ctx, true)
		if err != nil {
			t.Fatalf("GetPolicy() error = %v", err)
		}
		if !slices.Equal(p.BlackList, []int64{99}) || len(p.WhiteList) != 0 {
			t.Errorf("policy = %+v, want the competing write", p)
		}
	})
}

func TestService_Mutations(t *testing.T) {
	ctx := context.Background()

	t.Run("add is idempotent and reports only new ids", func(t *testing.T) {
		svc := New(newStore(t), Options{})

		ch, err := svc.AddWhitelist(ctx, []int64{5, 6, 5}, "test")
		if err != nil {
			t.Fatalf("AddWhitelist() error = %v", err)
		}
		if !slices.Equal(ch.UpdatedList, []int64{5, 6}) || !slices.Equal(ch.Added, []int64{5, 6}) {
			t.Errorf("change = %+v", ch)
		}

		ch, err = svc.AddWhitelist(ctx, []int64{6, 7}, "test")
		if err != nil {
			t.Fatalf("AddWhitelist() error = %v", err)
		}
		if !slices.Equal(ch.UpdatedList, []int64{5, 6, 7}) || !slices.Equal(ch.Added, []int64{7}) {
			t.Errorf("change = %+v", ch)
		}
		if ch.Version != 2 {
			t.Errorf("Version = %d, want 2", ch.Version)
		}
	})

	t.Run("remove keeps the order of survivors", func(t *testing.T) {
		svc := New(newStore(t), Options{})
		if _, err := svc.SetBlacklist(ctx, []int64{1, 2, 3, 4}, "test"); err != nil {
			t.Fatalf("SetBlacklist() error = %v", err)
		}

		ch, err := svc.RemoveBlacklist(ctx, []int64{3, 1, 100}, "test")
		if err != nil {
			t.Fatalf("RemoveBlacklist() error = %v", err)
		}
		if !slices.Equal(ch.UpdatedList, []int64{2, 4}) || !slices.Equal(ch.Removed, []int64{1, 3}) {
			t.Errorf("change = %+v", ch)
		}
		if len(ch.Added) != 0 {
			t.Errorf("Added = %v, want empty", ch.Added)
		}
	})

	t.Run("set reports the diff", func(t *testing.T) {
		svc := New(newStore(t), Options{})
		if _, err := svc.SetWhitelist(ctx, []int64{1, 2}, "test"); err != nil {
			t.Fatalf("SetWhitelist() error = %v", err)
		}
		ch, err := svc.SetWhitelist(ctx, []int64{2, 3}, "test")
		if err != nil {
			t.Fatalf("SetWhitelist() error = %v", err)
		}
		if !slices.Equal(ch.Added, []int64{3}) || !slices.Equal(ch.Removed, []int64{1}) {
			t.Errorf("change = %+v", ch)
		}
	})

	t.Run("mutating one list leaves the other untouched", func(t *testing.T) {
		svc := New(newStore(t), Options{})
		if _, err := svc.AddBlacklist(ctx, []int64{9}, "test"); err != nil {
			t.Fatalf("AddBlacklist() error = %v", err)
		}
		if _, err := svc.AddWhitelist(ctx, []int64{1}, "test"); err != nil {
			t.Fatalf("AddWhitelist() error = %v", err)
		}
		p, _ := svc.GetPolicy(ctx, true)
		if !slices.Equal(p.BlackList, []int64{9}) || !slices.Equal(p.WhiteList, []int64{1}) {
			t.Errorf("policy = %+v", p)
		}
	})

	t.Run("empty ids are rejected", func(t *testing.T) {
		svc := New(newStore(t), Options{})
		_, err := svc.AddWhitelist(ctx, nil, "test")
		if code := tgsearch.ErrorCode(err); code != tgsearch.CodePolicyInvalidIDs {
			t.Errorf("code = %q, want %q", code, tgsearch.CodePolicyInvalidIDs)
		}
	})

	t.Run("concurrent external write surfaces as a policy conflict", func(t *testing.T) {
		store := newStore(t)
		rs := &racingStore{Store: store}
		svc := New(rs, Options{})
		if err := svc.EnsureInitialized(ctx); err != nil {
			t.Fatalf("EnsureInitialized() error = %v", err)
		}
		rs.beforeSave = func() {
			ttl := 30
			if _, err := store.UpdateSection(ctx, configstore.SyncPatch{AvailableCacheTTLSec: &ttl}); err != nil {
				t.Errorf("UpdateSection() error = %v", err)
			}
		}

		_, err := svc.AddWhitelist(ctx, []int64{1}, "test")
		if code := tgsearch.ErrorCode(err); code != tgsearch.CodePolicyVersionConflict {
			t.Errorf("code = %q, want %q", code, tgsearch.CodePolicyVersionConflict)
		}
	})

	t.Run("store failures map to unavailable", func(t *testing.T) {
		svc := New(brokenStore{}, Options{})
		_, err := svc.GetPolicy(ctx, true)
		if code := tgsearch.ErrorCode(err); code != tgsearch.CodePolicyUnavailable {
			t.Errorf("code = %q, want %q", code, tgsearch.CodePolicyUnavailable)
		}
	})
}

func TestService_Subscribe(t *testing.T) {
	ctx := context.Background()
	svc := New(newStore(t), Options{Logger: tgsearch.NewNopLogger()})

	var got []model.Policy
	unsubscribe := svc.Subscribe(func(p model.Policy) { got = append(got, p) })
	svc.Subscribe(func(model.Policy) { panic("boom") })

	if _, err := svc.AddBlacklist(ctx, []int64{7}, "test"); err != nil {
		t.Fatalf("AddBlacklist() error = %v", err)
	}
	if len(got) != 1 || !slices.Equal(got[0].BlackList, []int64{7}) {
		t.Fatalf("notifications = %+v", got)
	}

	unsubscribe()
	if _, err := svc.AddBlacklist(ctx, []int64{8}, "test"); err != nil {
		t.Fatalf("AddBlacklist() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("notifications after unsubscribe = %d, want 1", len(got))
	}

	allowed, err := svc.IsAllowed(ctx, 7)
	if err != nil {
		t.Fatalf("IsAllowed() error = %v", err)
	}
	if allowed {
		t.Error("IsAllowed(7) = true, want false for blacklisted chat")
	}
}
