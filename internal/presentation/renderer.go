package presentation

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Density at which text is drawn at its base scale.
const referenceDPI = 160

var (
	background = color.RGBA{16, 18, 24, 255}
	foreground = color.RGBA{255, 255, 255, 255}
	accent     = color.RGBA{255, 170, 0, 255}
)

// ClockRenderer draws a title, the elapsed time and a spinner onto the
// display's canvas.
type ClockRenderer struct {
	canvases display.CanvasSource
	title    string
}

// NewClockRenderer creates a renderer drawing onto canvases from source.
func NewClockRenderer(source display.CanvasSource, title string) *ClockRenderer {
	return &ClockRenderer{canvases: source, title: title}
}

// Bind implements Renderer.
func (r *ClockRenderer) Bind(id display.ID) (Content, error) {
	canvas, ok := r.canvases.Canvas(id)
	if !ok {
		return nil, fmt.Errorf("no canvas for display %d", id)
	}
	density := float64(canvas.DensityDPI()) / referenceDPI
	return &clockContent{
		canvas:     canvas,
		title:      r.title,
		titleScale: max(1, int(math.Round(2*density))),
		clockScale: max(1, int(math.Round(6*density))),
	}, nil
}

type clockContent struct {
	canvas     display.Canvas
	title      string
	titleScale int
	clockScale int

	mu        sync.Mutex
	dismissed bool
	last      string
}

func (c *clockContent) Update(elapsed time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dismissed {
		return ErrDismissed
	}

	text := FormatElapsed(elapsed)
	c.last = text
	return c.canvas.Draw(func(img *image.RGBA) {
		b := img.Bounds()
		draw.Draw(img, b, &image.Uniform{background}, image.Point{}, draw.Src)

		clockH := basicfont.Face7x13.Height * c.clockScale
		titleH := basicfont.Face7x13.Height * c.titleScale
		clockY := b.Min.Y + (b.Dy()-clockH)/2
		if c.title != "" {
			drawText(img, c.title, c.titleScale, clockY-titleH*2, foreground)
		}
		drawText(img, text, c.clockScale, clockY, foreground)
		drawSpinner(img, elapsed, clockY+clockH+titleH, c.titleScale)
	})
}

func (c *clockContent) Dismiss() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dismissed {
		return nil
	}
	c.dismissed = true
	err := c.canvas.Draw(func(img *image.RGBA) {
		draw.Draw(img, img.Bounds(), &image.Uniform{image.Black}, image.Point{}, draw.Src)
	})
	if err == display.ErrDisplayReleased {
		return nil
	}
	return err
}

// drawText renders s with basicfont and scales it horizontally centered at y.
func drawText(dst *image.RGBA, s string, scale, y int, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	w := d.MeasureString(s).Ceil()
	h := face.Height
	if w == 0 {
		return
	}

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	d.Dst = src
	d.Src = image.NewUniform(c)
	d.Dot = fixed.Point26_6{X: 0, Y: fixed.I(face.Ascent)}
	d.DrawString(s)

	b := dst.Bounds()
	x := b.Min.X + (b.Dx()-w*scale)/2
	dstRect := image.Rect(x, y, x+w*scale, y+h*scale).Intersect(b)
	scaleOver(dst, dstRect, image.Pt(x, y), src, scale)
}

// scaleOver does nearest-neighbor scaling of src by an integer factor,
// compositing only opaque-enough pixels.
func scaleOver(dst *image.RGBA, clip image.Rectangle, origin image.Point, src *image.RGBA, scale int) {
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		sy := (y - origin.Y) / scale
		for x := clip.Min.X; x < clip.Max.X; x++ {
			sx := (x - origin.X) / scale
			p := src.RGBAAt(sx, sy)
			if p.A >= 0x80 {
				dst.SetRGBA(x, y, p)
			}
		}
	}
}

// drawSpinner draws a dot orbiting a point, one revolution every two seconds.
func drawSpinner(dst *image.RGBA, elapsed time.Duration, cy, scale int) {
	b := dst.Bounds()
	cx := b.Min.X + b.Dx()/2
	radius := 6 * scale
	angle := 2 * math.Pi * float64(elapsed%(2*time.Second)) / float64(2*time.Second)
	px := cx + int(float64(radius)*math.Cos(angle))
	py := cy + int(float64(radius)*math.Sin(angle))
	dot := image.Rect(px-scale, py-scale, px+scale+1, py+scale+1).Intersect(b)
	draw.Draw(dst, dot, &image.Uniform{accent}, image.Point{}, draw.Src)
}
