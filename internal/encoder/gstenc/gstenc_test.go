package gstenc

import (
	"strings"
	"testing"

	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
)

func TestListEncodersOrdersHardwareFirst(t *testing.T) {
	installed := map[string]bool{"x264enc": true, "nvh264enc": true}
	f := &Facility{find: func(name string) bool { return installed[name] }}

	got, err := f.ListEncoders(encoder.MediaTypeAVC)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Name != "nvh264enc" || got[1].Name != "x264enc" {
		t.Fatalf("unexpected encoders: %+v", got)
	}
	if !got[0].Hardware || got[1].Hardware {
		t.Fatalf("hardware flags wrong: %+v", got)
	}
	if got[0].HighestLevel() != encoder.Level51 {
		t.Fatalf("nvh264enc advertises %s", got[0].HighestLevel())
	}

	if other, _ := f.ListEncoders("video/x-vnd.on2.vp8"); len(other) != 0 {
		t.Fatalf("listed encoders for another media type: %+v", other)
	}
}

func TestNegotiatorPicksProbedHardwareEncoder(t *testing.T) {
	f := &Facility{find: func(name string) bool { return name == "v4l2h264enc" || name == "x264enc" }}
	p, err := encoder.NewNegotiator(f).Negotiate(1920, 1080, 30)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if p.Encoder != "v4l2h264enc" || !p.Hardware || p.Level != encoder.Level4 {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestPipelineString(t *testing.T) {
	p := encoder.Profile{Encoder: "x264enc", Width: 1280, Height: 720, FrameRate: 30, BitRate: 7111111}
	e, ok := lookupElement(p.Encoder)
	if !ok {
		t.Fatalf("x264enc not known")
	}
	got := pipelineString(e, p, "/tmp/my talk.mp4")

	for _, want := range []string{
		"appsrc name=src is-live=true",
		"! videoconvert !",
		"x264enc bitrate=7112 ",
		"key-int-max=60",
		"! h264parse ! mp4mux !",
		`filesink location="/tmp/my talk.mp4"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("pipeline %q missing %q", got, want)
		}
	}
	if !strings.HasPrefix(got, "appsrc") {
		t.Fatalf("pipeline does not start at appsrc: %q", got)
	}
}

func TestV4L2BitRateIsBitsPerSecond(t *testing.T) {
	e, _ := lookupElement("v4l2h264enc")
	got := e.options(4000000, 30)
	if got != `extra-controls="controls,video_bitrate=4000000"` {
		t.Fatalf("options = %q", got)
	}
}

func TestRawCaps(t *testing.T) {
	got := rawCaps(encoder.Profile{Width: 640, Height: 480, FrameRate: 25})
	if got != "video/x-raw,format=RGBA,width=640,height=480,framerate=25/1" {
		t.Fatalf("caps = %q", got)
	}
}

func TestKbpsRoundsUp(t *testing.T) {
	cases := map[int]int{64000: 64, 7111111: 7112, 1: 1, 0: 0}
	for in, want := range cases {
		if got := kbps(in); got != want {
			t.Fatalf("kbps(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestCreateSessionRejectsUnknownElement(t *testing.T) {
	f := New(0)
	if _, err := f.CreateSession(encoder.Profile{Encoder: "fakeenc"}, "/tmp/x.mp4", nil); err == nil {
		t.Fatalf("expected error for unknown element")
	}
	if f.finalizeTimeout != DefaultFinalizeTimeout {
		t.Fatalf("finalize timeout = %s", f.finalizeTimeout)
	}
}
