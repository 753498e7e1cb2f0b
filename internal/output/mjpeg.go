package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
)

const defaultJPEGQuality = 75

// MJPEG streams a throttled preview of the recording as Motion JPEG over
// HTTP. Frames are only encoded while a client is connected.
type MJPEG struct {
	interval time.Duration
	quality  int

	mu         sync.Mutex
	lastFrame  time.Time
	frameCount uint64
	clients    map[chan []byte]struct{}
	stopped    bool

	now func() time.Time
}

// NewMJPEG creates a preview limited to maxFPS frames per second.
func NewMJPEG(maxFPS int) *MJPEG {
	if maxFPS <= 0 {
		maxFPS = 5
	}
	return &MJPEG{
		interval: time.Second / time.Duration(maxFPS),
		quality:  defaultJPEGQuality,
		clients:  make(map[chan []byte]struct{}),
		now:      time.Now,
	}
}

// WriteFrame implements Tap.
func (m *MJPEG) WriteFrame(frame *image.RGBA) error {
	m.mu.Lock()
	if m.stopped || len(m.clients) == 0 {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	if !m.lastFrame.IsZero() && now.Sub(m.lastFrame) < m.interval {
		m.mu.Unlock()
		return nil
	}
	m.lastFrame = now
	m.mu.Unlock()

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameCount++
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	return nil
}

// Clients reports connected viewers.
func (m *MJPEG) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop disconnects every client.
func (m *MJPEG) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	logger.WithComponent("output").Info().Uint64("frames", m.frameCount).Msg("MJPEG preview stopped")
}

// ServeHTTP streams multipart JPEG frames until the client disconnects.
func (m *MJPEG) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frameChan := make(chan []byte, 2)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		http.Error(w, "preview stopped", http.StatusServiceUnavailable)
		return
	}
	m.clients[frameChan] = struct{}{}
	clientCount := len(m.clients)
	m.mu.Unlock()

	log := logger.WithComponent("output")
	log.Info().Int("clients", clientCount).Msg("Preview client connected")

	defer func() {
		m.mu.Lock()
		if _, ok := m.clients[frameChan]; ok {
			delete(m.clients, frameChan)
		}
		clientCount := len(m.clients)
		m.mu.Unlock()
		log.Info().Int("clients", clientCount).Msg("Preview client disconnected")
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case jpegData, ok := <-frameChan:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}
