package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	logx "reminderd/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "state.json")},
		{Driver: "sqlite", Path: filepath.Join(dir, "state.db")},
	} {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", cfg.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: err=%v", err)
			}
			if err := st.Put(ctx, "reminders_data", []byte(`{"globalEnabled":true}`)); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := st.Put(ctx, "reminders_data", []byte(`{"globalEnabled":false}`)); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			got, err := st.Get(ctx, "reminders_data")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != `{"globalEnabled":false}` {
				t.Fatalf("Get=%q", got)
			}
			if err := st.Delete(ctx, "reminders_data"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, "reminders_data"); err != nil {
				t.Fatalf("Delete twice: %v", err)
			}
			if _, err := st.Get(ctx, "reminders_data"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after delete: err=%v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Put(ctx, "notification_water", []byte("true")); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	v, err := st2.Get(ctx, "notification_water")
	if err != nil || string(v) != "true" {
		t.Fatalf("reopened value=%q err=%v", v, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if err := st.Put(context.Background(), "k", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after close: %v", err)
	}
}
