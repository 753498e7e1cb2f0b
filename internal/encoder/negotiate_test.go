package encoder

import (
	"errors"
	"math"
	"testing"
)

// fakeFacility records every call so tests can prove negotiation never allocates.
type fakeFacility struct {
	descriptors []Descriptor
	listErr     error
	listCalls   int
	createCalls int
}

func (f *fakeFacility) ListEncoders(mediaType string) ([]Descriptor, error) {
	f.listCalls++
	return f.descriptors, f.listErr
}

func (f *fakeFacility) CreateSession(Profile, string, FaultHandler) (Session, error) {
	f.createCalls++
	return nil, errors.New("not implemented")
}

func avcEncoder(name string, levels ...Level) Descriptor {
	d := Descriptor{Name: name, Hardware: true, MediaTypes: []string{MediaTypeAVC}}
	for _, l := range levels {
		d.ProfileLevels = append(d.ProfileLevels, ProfileLevel{Profile: "high", Level: l})
	}
	return d
}

func TestNegotiateLevel31AtFrameRateLimit(t *testing.T) {
	f := &fakeFacility{descriptors: []Descriptor{avcEncoder("hw", Level3, Level31)}}
	n := NewNegotiator(f)

	p, err := n.Negotiate(1280, 720, 30)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if MacroblockCount(1280, 720) != 3600 {
		t.Fatalf("macroblocks = %d, want 3600", MacroblockCount(1280, 720))
	}
	if p.MaxFrameRate != 30 {
		t.Fatalf("max fps = %d, want 30", p.MaxFrameRate)
	}
	if p.Level != Level31 || p.MaxWidth != 1280 || p.MaxHeight != 720 {
		t.Fatalf("unexpected level limits: %+v", p)
	}
	if p.BitRate != 7111111 {
		t.Fatalf("bit rate = %d, want 7111111", p.BitRate)
	}
	if p.Encoder != "hw" || p.MediaType != MediaTypeAVC {
		t.Fatalf("unexpected encoder selection: %+v", p)
	}
}

func TestNegotiateLevel31RejectsFrameRateAboveLimit(t *testing.T) {
	f := &fakeFacility{descriptors: []Descriptor{avcEncoder("hw", Level31)}}
	_, err := NewNegotiator(f).Negotiate(1280, 720, 31)
	if !errors.Is(err, ErrFrameRateExceeded) {
		t.Fatalf("expected ErrFrameRateExceeded, got %v", err)
	}
	var capErr *CapabilityError
	if !errors.As(err, &capErr) || capErr.FrameRate != 31 {
		t.Fatalf("expected CapabilityError carrying the request, got %#v", err)
	}
}

func TestNegotiateRejections(t *testing.T) {
	cases := []struct {
		name        string
		descriptors []Descriptor
		listErr     error
		w, h, fps   int
		want        error
	}{
		{name: "no encoders", w: 640, h: 480, fps: 30, want: ErrNoEncoderAvailable},
		{
			name:        "wrong media type",
			descriptors: []Descriptor{{Name: "vp8", MediaTypes: []string{"video/x-vnd.on2.vp8"}}},
			w:           640, h: 480, fps: 30,
			want: ErrNoEncoderAvailable,
		},
		{name: "list fails", listErr: errors.New("bus down"), w: 640, h: 480, fps: 30, want: ErrNoEncoderAvailable},
		{name: "too wide", descriptors: []Descriptor{avcEncoder("hw", Level31)}, w: 1281, h: 720, fps: 30, want: ErrResolutionExceeded},
		{name: "too tall", descriptors: []Descriptor{avcEncoder("hw", Level31)}, w: 1280, h: 721, fps: 30, want: ErrResolutionExceeded},
		{name: "level 4 60fps 1080p", descriptors: []Descriptor{avcEncoder("hw", Level4)}, w: 1920, h: 1080, fps: 61, want: ErrFrameRateExceeded},
		{name: "zero width", descriptors: []Descriptor{avcEncoder("hw", Level31)}, w: 0, h: 720, fps: 30, want: ErrInvalidRequest},
		{name: "negative fps", descriptors: []Descriptor{avcEncoder("hw", Level31)}, w: 640, h: 480, fps: -1, want: ErrInvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeFacility{descriptors: tc.descriptors, listErr: tc.listErr}
			_, err := NewNegotiator(f).Negotiate(tc.w, tc.h, tc.fps)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if f.createCalls != 0 {
				t.Fatalf("negotiation allocated an encoder session")
			}
		})
	}
}

func TestNegotiateUsesFirstMatchingEncoder(t *testing.T) {
	f := &fakeFacility{descriptors: []Descriptor{
		{Name: "vp9", MediaTypes: []string{"video/x-vnd.on2.vp9"}},
		avcEncoder("first", Level31),
		avcEncoder("second", Level51),
	}}
	p, err := NewNegotiator(f).Negotiate(1280, 720, 30)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if p.Encoder != "first" {
		t.Fatalf("selected %q, want first", p.Encoder)
	}
	if _, err := NewNegotiator(f).Negotiate(1920, 1080, 30); !errors.Is(err, ErrResolutionExceeded) {
		t.Fatalf("expected the first encoder's limits to apply, got %v", err)
	}
}

func TestNegotiateUnknownLevelFallsBackToLevel51(t *testing.T) {
	f := &fakeFacility{descriptors: []Descriptor{avcEncoder("big", Level52)}}
	p, err := NewNegotiator(f).Negotiate(4096, 2304, 25)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if p.MaxMacroblocksPerSecond != 983040 || p.MaxWidth != 4096 {
		t.Fatalf("expected level 5.1 ceilings, got %+v", p)
	}
}

// Every request beyond a level's bound is rejected without allocation.
func TestNegotiateRejectsEverythingBeyondEachLevel(t *testing.T) {
	for _, row := range Levels() {
		f := &fakeFacility{descriptors: []Descriptor{avcEncoder("hw", row.Level)}}
		n := NewNegotiator(f)

		if _, err := n.Negotiate(row.MaxWidth+1, row.MaxHeight, 1); !errors.Is(err, ErrResolutionExceeded) {
			t.Fatalf("level %s: width+1 accepted: %v", row.Level, err)
		}
		if _, err := n.Negotiate(row.MaxWidth, row.MaxHeight+1, 1); !errors.Is(err, ErrResolutionExceeded) {
			t.Fatalf("level %s: height+1 accepted: %v", row.Level, err)
		}

		maxFps := row.MaxMacroblocksPerSecond / MacroblockCount(row.MaxWidth, row.MaxHeight)
		if maxFps > 0 {
			if _, err := n.Negotiate(row.MaxWidth, row.MaxHeight, maxFps); err != nil {
				t.Fatalf("level %s: %d fps at max size rejected: %v", row.Level, maxFps, err)
			}
		}
		if _, err := n.Negotiate(row.MaxWidth, row.MaxHeight, maxFps+1); !errors.Is(err, ErrFrameRateExceeded) {
			t.Fatalf("level %s: %d fps accepted: %v", row.Level, maxFps+1, err)
		}
		if f.createCalls != 0 {
			t.Fatalf("level %s: negotiation allocated", row.Level)
		}
	}
}

func TestLevelTableIsOrderedAndExact(t *testing.T) {
	rows := Levels()
	if len(rows) != 10 {
		t.Fatalf("table has %d rows, want 10", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Level <= rows[i-1].Level {
			t.Fatalf("table not ordered at %s", rows[i].Level)
		}
	}
	l31, exact := LimitsFor(Level31)
	if !exact || l31.MaxMacroblocksPerSecond != 108000 || l31.MaxBitRate != 14000000 {
		t.Fatalf("unexpected level 3.1 row: %+v", l31)
	}
	l41, _ := LimitsFor(Level41)
	if l41.MaxHeight != 1088 || l41.MaxBitRate != 50000000 {
		t.Fatalf("unexpected level 4.1 row: %+v", l41)
	}
	if _, exact := LimitsFor(Level13); exact {
		t.Fatalf("level 1.3 should not have its own row")
	}
}

func TestBitRateClampsAndIsMonotonic(t *testing.T) {
	if got := BitRate(1, 1); got != BitRateMin {
		t.Fatalf("tiny frame bit rate = %d, want %d", got, BitRateMin)
	}
	if got := BitRate(0, 0); got != BitRateMin {
		t.Fatalf("empty frame bit rate = %d, want %d", got, BitRateMin)
	}
	if got := BitRate(100000, 100000); got != BitRateMax {
		t.Fatalf("huge frame bit rate = %d, want %d", got, BitRateMax)
	}
	if got := BitRate(math.MaxInt32, math.MaxInt32); got != BitRateMax {
		t.Fatalf("overflowing frame bit rate = %d, want %d", got, BitRateMax)
	}
	if got := BitRate(1920, 1080); got != ReferenceBitRate {
		t.Fatalf("reference frame bit rate = %d, want %d", got, ReferenceBitRate)
	}

	prev := 0
	for side := 16; side <= 8192; side += 16 {
		got := BitRate(side, side)
		if got < prev {
			t.Fatalf("bit rate decreased at %d: %d < %d", side, got, prev)
		}
		if got < BitRateMin || got > BitRateMax {
			t.Fatalf("bit rate %d outside band at %d", got, side)
		}
		prev = got
	}
}

func TestLevelText(t *testing.T) {
	cases := map[Level]string{Level31: "3.1", Level4: "4", Level1b: "1b", Level52: "5.2"}
	for level, want := range cases {
		if level.String() != want {
			t.Fatalf("%d renders as %q, want %q", int(level), level.String(), want)
		}
		parsed, err := ParseLevel(want)
		if err != nil || parsed != level {
			t.Fatalf("ParseLevel(%q) = %v, %v", want, parsed, err)
		}
	}
	if _, err := ParseLevel("x.y"); err == nil {
		t.Fatalf("expected parse error")
	}
}
