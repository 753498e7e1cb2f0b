package monitor

import (
	"errors"
	"reflect"
	"testing"

	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/loop/looptest"
)

type recordingSink struct {
	calls []string
}

func (s *recordingSink) SecondaryDisplayReady(id display.ID) {
	s.calls = append(s.calls, "ready:"+itoa(id))
}

func (s *recordingSink) SecondaryDisplayGone(id display.ID) {
	s.calls = append(s.calls, "gone:"+itoa(id))
}

func itoa(id display.ID) string {
	return string(rune('0' + int(id)))
}

type fakeNotifier struct {
	listener    func(display.AttachEvent)
	registerErr error
	unregisters int
}

func (n *fakeNotifier) Register(l func(display.AttachEvent)) error {
	if n.registerErr != nil {
		return n.registerErr
	}
	n.listener = l
	return nil
}

func (n *fakeNotifier) Unregister() {
	n.unregisters++
	n.listener = nil
}

func ev(id display.ID, kind display.AttachKind) display.AttachEvent {
	return display.AttachEvent{ID: id, Kind: kind}
}

func TestMonitorSequences(t *testing.T) {
	cases := []struct {
		name   string
		events []display.AttachEvent
		want   []string
	}{
		{
			name:   "added changed removed",
			events: []display.AttachEvent{ev(7, display.Added), ev(7, display.Changed), ev(7, display.Removed)},
			want:   []string{"ready:7", "gone:7"},
		},
		{
			name:   "removed before changed is silent",
			events: []display.AttachEvent{ev(7, display.Added), ev(7, display.Removed), ev(7, display.Changed)},
		},
		{
			name:   "removed without added",
			events: []display.AttachEvent{ev(7, display.Removed)},
		},
		{
			name:   "changed for other id",
			events: []display.AttachEvent{ev(7, display.Added), ev(8, display.Changed)},
		},
		{
			name:   "second added while pending is ignored",
			events: []display.AttachEvent{ev(7, display.Added), ev(8, display.Added), ev(8, display.Changed), ev(7, display.Changed)},
			want:   []string{"ready:7"},
		},
		{
			name:   "changed after bound is ignored",
			events: []display.AttachEvent{ev(7, display.Added), ev(7, display.Changed), ev(7, display.Changed)},
			want:   []string{"ready:7"},
		},
		{
			name: "re-added after gone",
			events: []display.AttachEvent{
				ev(7, display.Added), ev(7, display.Changed), ev(7, display.Removed),
				ev(8, display.Added), ev(8, display.Changed),
			},
			want: []string{"ready:7", "gone:7", "ready:8"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			m := New(sink)
			for _, e := range tc.events {
				m.Handle(e)
			}
			if !reflect.DeepEqual(sink.calls, tc.want) {
				t.Fatalf("calls = %v, want %v", sink.calls, tc.want)
			}
		})
	}
}

func TestAttachPostsOntoScheduler(t *testing.T) {
	sink := &recordingSink{}
	sched := looptest.NewManual()
	n := &fakeNotifier{}

	m := New(sink)
	if err := m.Attach(n, sched); err != nil {
		t.Fatalf("attach: %v", err)
	}
	n.listener(ev(3, display.Added))
	n.listener(ev(3, display.Changed))
	if len(sink.calls) != 0 {
		t.Fatalf("notification handled off the loop: %v", sink.calls)
	}

	sched.RunPending()
	if !reflect.DeepEqual(sink.calls, []string{"ready:3"}) {
		t.Fatalf("calls = %v", sink.calls)
	}
	if id, ok := m.Bound(); !ok || id != 3 {
		t.Fatalf("bound = %v %v", id, ok)
	}

	m.Detach()
	m.Detach()
	if n.unregisters != 1 {
		t.Fatalf("unregisters = %d, want 1", n.unregisters)
	}
}

func TestAttachPropagatesRegisterError(t *testing.T) {
	boom := errors.New("no display server")
	m := New(&recordingSink{})
	if err := m.Attach(&fakeNotifier{registerErr: boom}, looptest.NewManual()); !errors.Is(err, boom) {
		t.Fatalf("expected register error, got %v", err)
	}
	m.Detach()
}
