package grant

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestUnattendedGrantsAndReleases(t *testing.T) {
	u := NewUnattended()
	results := make(chan Grant, 1)
	u.Request(context.Background(), func(g Grant, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		results <- g
	})

	var g Grant
	select {
	case g = <-results:
	case <-time.After(2 * time.Second):
		t.Fatalf("no grant delivered")
	}
	if g.ID() == "" {
		t.Fatalf("grant has no id")
	}
	if u.Released(g.ID()) {
		t.Fatalf("grant released before Release")
	}
	if err := g.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if !u.Released(g.ID()) {
		t.Fatalf("grant not marked released")
	}
}

func TestUnattendedHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := make(chan error, 1)
	NewUnattended().Request(ctx, func(g Grant, err error) { errs <- err })
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered")
	}
}

func TestRequestPathPrediction(t *testing.T) {
	got := requestPath([]string{":1.42", "org.example.Name"}, "pr7_1")
	want := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/pr7_1")
	if got != want {
		t.Fatalf("requestPath = %q, want %q", got, want)
	}
}

func TestParseResponseAndDenial(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{uint32(1), map[string]dbus.Variant{}}}
	code, _, err := parseResponse(sig)
	if err != nil || code != responseCancelled {
		t.Fatalf("parseResponse = %d, %v", code, err)
	}
	if err := denial("Start", code); !errors.Is(err, ErrDenied) {
		t.Fatalf("cancel should map to ErrDenied, got %v", err)
	}
	if err := denial("Start", 2); !errors.Is(err, ErrDenied) {
		t.Fatalf("refusal should map to ErrDenied, got %v", err)
	}

	if _, _, err := parseResponse(&dbus.Signal{}); err == nil {
		t.Fatalf("empty body accepted")
	}
	if _, _, err := parseResponse(&dbus.Signal{Body: []interface{}{"0"}}); err == nil {
		t.Fatalf("string code accepted")
	}
}

func TestStreamNodeID(t *testing.T) {
	nested := map[string]dbus.Variant{
		"streams": dbus.MakeVariant([][]interface{}{{uint32(57), map[string]dbus.Variant{}}}),
	}
	if id, ok := streamNodeID(nested); !ok || id != 57 {
		t.Fatalf("streamNodeID = %d, %v", id, ok)
	}
	if _, ok := streamNodeID(map[string]dbus.Variant{}); ok {
		t.Fatalf("missing streams accepted")
	}
}

func TestRestoreTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.yaml")
	if got := loadRestoreToken(path); got != "" {
		t.Fatalf("missing file returned %q", got)
	}
	if err := saveRestoreToken(path, "abc123"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := loadRestoreToken(path); got != "abc123" {
		t.Fatalf("loaded %q, want abc123", got)
	}
}
