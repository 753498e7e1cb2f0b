// Package gstenc is the GStreamer encoder facility. Frames pushed into an
// appsrc are converted, H.264 encoded, and muxed into an MP4 file.
package gstenc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
)

// element is an H.264 encoder the facility knows how to configure.
type element struct {
	name     string
	hardware bool
	// level is the ceiling we advertise. GStreamer does not report it.
	level encoder.Level
	// options renders the element's rate control for a bit-rate in bit/s
	options func(bitRate, frameRate int) string
}

// Probe order: hardware first, software last.
var elements = []element{
	{
		name: "vaapih264enc", hardware: true, level: encoder.Level51,
		options: func(bitRate, _ int) string {
			return fmt.Sprintf("rate-control=cbr bitrate=%d", kbps(bitRate))
		},
	},
	{
		name: "nvh264enc", hardware: true, level: encoder.Level51,
		options: func(bitRate, _ int) string {
			return fmt.Sprintf("rc-mode=cbr bitrate=%d", kbps(bitRate))
		},
	},
	{
		name: "v4l2h264enc", hardware: true, level: encoder.Level4,
		options: func(bitRate, _ int) string {
			return fmt.Sprintf(`extra-controls="controls,video_bitrate=%d"`, bitRate)
		},
	},
	{
		name: "x264enc", hardware: false, level: encoder.Level51,
		options: func(bitRate, frameRate int) string {
			return fmt.Sprintf("bitrate=%d speed-preset=veryfast tune=zerolatency key-int-max=%d", kbps(bitRate), 2*frameRate)
		},
	},
}

func lookupElement(name string) (element, bool) {
	for _, e := range elements {
		if e.name == name {
			return e, true
		}
	}
	return element{}, false
}

func (e element) descriptor() encoder.Descriptor {
	return encoder.Descriptor{
		Name:       e.name,
		Hardware:   e.hardware,
		MediaTypes: []string{encoder.MediaTypeAVC},
		ProfileLevels: []encoder.ProfileLevel{
			{Profile: "main", Level: e.level},
			{Profile: "high", Level: e.level},
		},
	}
}

// kbps converts bit/s to the kbit/s most encoder elements expect, rounding up
func kbps(bitRate int) int {
	return (bitRate + 999) / 1000
}

// rawCaps describes the frames the input surface pushes.
func rawCaps(p encoder.Profile) string {
	return fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1", p.Width, p.Height, p.FrameRate)
}

// pipelineString builds the launch line for one recording.
func pipelineString(e element, p encoder.Profile, outputPath string) string {
	parts := []string{
		"appsrc name=src is-live=true do-timestamp=true format=time block=false",
		"videoconvert",
		strings.TrimSpace(e.name + " " + e.options(p.BitRate, p.FrameRate)),
		"h264parse",
		"mp4mux",
		"filesink location=" + strconv.Quote(outputPath),
	}
	return strings.Join(parts, " ! ")
}
