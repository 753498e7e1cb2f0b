package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndList(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.UnixMilli(1700000000000)
	for i, id := range []string{"a", "b", "c"} {
		_, err := store.Record(ctx, Entry{
			SessionID:  id,
			OutputPath: "/tmp/" + id + ".mp4",
			Encoder:    "x264enc",
			Level:      "3.1",
			Width:      1280,
			Height:     720,
			FrameRate:  30,
			BitRate:    7111111,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			StoppedAt:  base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Reason:     "user",
		})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	all, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].SessionID != "c" || all[2].SessionID != "a" {
		t.Fatalf("unexpected order: %+v", all)
	}
	if all[0].Duration() != 30*time.Second {
		t.Fatalf("duration = %v", all[0].Duration())
	}
	if !all[2].StartedAt.Equal(base) {
		t.Fatalf("started_at = %v, want %v", all[2].StartedAt, base)
	}

	limited, err := store.List(ctx, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited list = %d entries, %v", len(limited), err)
	}
}

func TestRecordRejectsDuplicateSession(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	e := Entry{SessionID: "dup", OutputPath: "/tmp/x.mp4", StartedAt: time.Now(), StoppedAt: time.Now()}
	if _, err := store.Record(context.Background(), e); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, err := store.Record(context.Background(), e); err == nil {
		t.Fatalf("duplicate session recorded twice")
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Record(context.Background(), Entry{SessionID: "keep", OutputPath: "/tmp/k.mp4"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	entries, err := store.List(context.Background(), 10)
	if err != nil || len(entries) != 1 || entries[0].SessionID != "keep" {
		t.Fatalf("entries after reopen = %+v, %v", entries, err)
	}
}
