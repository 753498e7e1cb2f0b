package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
)

// X11 creates virtual displays as X11 windows. Each window is backed by a Go
// framebuffer; the frame pump feeds the encoder and mirrors changed frames
// into the window.
type X11 struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo

	mu       sync.Mutex
	displays map[ID]*x11Display
}

// NewX11 connects to the X server named by displayName ("" uses $DISPLAY).
func NewX11(displayName string) (*X11, error) {
	conn, err := xgb.NewConnDisplay(displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	return &X11{
		conn:     conn,
		screen:   setup.DefaultScreen(conn),
		displays: make(map[ID]*x11Display),
	}, nil
}

// Close releases every display and disconnects.
func (x *X11) Close() {
	x.mu.Lock()
	displays := make([]*x11Display, 0, len(x.displays))
	for _, d := range x.displays {
		displays = append(displays, d)
	}
	x.mu.Unlock()

	for _, d := range displays {
		d.Release()
	}
	x.conn.Close()
}

// Owns reports whether id is a window created by this facility. The id is
// registered before the window is created so its CreateNotify is recognized.
func (x *X11) Owns(id ID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.displays[id]
	return ok
}

// Canvas implements CanvasSource.
func (x *X11) Canvas(id ID) (Canvas, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.displays[id]
	if !ok {
		return nil, false
	}
	return d.fb, true
}

// CreateVirtualDisplay implements Facility.
func (x *X11) CreateVirtualDisplay(cfg Config, surface encoder.Surface) (VirtualDisplay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if surface == nil {
		return nil, fmt.Errorf("no encoder surface for display %q", cfg.Name)
	}

	windowID, err := xproto.NewWindowId(x.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create window ID: %w", err)
	}

	d := &x11Display{
		owner:  x,
		window: windowID,
		width:  cfg.Width,
		height: cfg.Height,
		fb:     NewFramebuffer(cfg.Width, cfg.Height, cfg.DensityDPI),
	}

	x.mu.Lock()
	x.displays[d.ID()] = d
	x.mu.Unlock()

	if err := d.create(cfg); err != nil {
		x.forget(d.ID())
		xproto.DestroyWindow(x.conn, windowID)
		return nil, err
	}

	d.pump = StartPump(d.fb, surface, cfg.FrameRate, d.putImage)

	logger.WithComponent("display").Info().
		Uint32("display_id", uint32(windowID)).
		Str("name", cfg.Name).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("dpi", cfg.DensityDPI).
		Msg("Virtual display window created")

	return d, nil
}

func (x *X11) forget(id ID) {
	x.mu.Lock()
	delete(x.displays, id)
	x.mu.Unlock()
}

type x11Display struct {
	owner  *X11
	window xproto.Window
	gc     xproto.Gcontext
	width  int
	height int
	fb     *Framebuffer
	pump   *Pump
	once   sync.Once

	// scratch buffer for converted pixels, used only by the pump goroutine
	data []byte
}

func (d *x11Display) ID() ID { return ID(d.window) }

func (d *x11Display) create(cfg Config) error {
	conn, screen := d.owner.conn, d.owner.screen

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	if cfg.Flags.Has(FlagOwnContentOnly) {
		// Keep the window manager from decorating or reparenting it
		mask = uint32(xproto.CwBackPixel | xproto.CwOverrideRedirect | xproto.CwEventMask)
		values = []uint32{
			0x000000,
			1,
			xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
		}
	}

	err := xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		d.window,
		screen.Root,
		0, 0,
		uint16(d.width), uint16(d.height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	title := cfg.Name
	if title == "" {
		title = "PresentationRecorder"
	}
	if err := d.setWindowTitle(title); err != nil {
		logger.WithComponent("display").Warn().Err(err).Msg("Failed to set window title")
	}
	if err := d.setWindowClass("presentationrecorder", "PresentationRecorder"); err != nil {
		logger.WithComponent("display").Warn().Err(err).Msg("Failed to set window class")
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	d.gc = gc
	if err := xproto.CreateGCChecked(conn, d.gc, xproto.Drawable(d.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}

	if err := xproto.MapWindowChecked(conn, d.window).Check(); err != nil {
		xproto.FreeGC(conn, d.gc)
		return fmt.Errorf("failed to map window: %w", err)
	}
	conn.Sync()
	return nil
}

// Release stops the pump, then frees the GC and destroys the window.
func (d *x11Display) Release() error {
	var err error
	d.once.Do(func() {
		if d.pump != nil {
			d.pump.Stop()
		}
		d.fb.release()

		conn := d.owner.conn
		xproto.FreeGC(conn, d.gc)
		if derr := xproto.DestroyWindowChecked(conn, d.window).Check(); derr != nil {
			err = fmt.Errorf("failed to destroy window: %w", derr)
		}
		conn.Sync()
		d.owner.forget(d.ID())

		logger.WithComponent("display").Info().
			Uint32("display_id", uint32(d.window)).
			Msg("Virtual display window closed")
	})
	return err
}

// putImage converts the frame to the server's pixmap format and uploads it
// in row bands that fit the maximum request length.
func (d *x11Display) putImage(img *image.RGBA) error {
	conn, screen := d.owner.conn, d.owner.screen
	bounds := img.Bounds()
	if bounds.Dx() != d.width || bounds.Dy() != d.height {
		return fmt.Errorf("image size mismatch: got %dx%d, expected %dx%d",
			bounds.Dx(), bounds.Dy(), d.width, d.height)
	}

	depth := screen.RootDepth
	setup := xproto.Setup(conn)

	var bitsPerPixel, scanlinePad uint8
	for _, format := range setup.PixmapFormats {
		if format.Depth == depth {
			bitsPerPixel = format.BitsPerPixel
			scanlinePad = format.ScanlinePad
			break
		}
	}
	if bitsPerPixel == 0 {
		return fmt.Errorf("no format found for depth %d", depth)
	}

	bytesPerPixel := int(bitsPerPixel) / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	padBytes := int(scanlinePad) / 8
	stride := ((d.width*bytesPerPixel + padBytes - 1) / padBytes) * padBytes

	if len(d.data) != stride*d.height {
		d.data = make([]byte, stride*d.height)
	}
	convertRows(d.data, img, stride, bytesPerPixel, depth == 32)

	// 4-byte request units, minus the PutImage header
	maxBytes := int(setup.MaximumRequestLength)*4 - 24
	rowsPerBand := max(1, maxBytes/stride)

	for y := 0; y < d.height; y += rowsPerBand {
		rows := min(rowsPerBand, d.height-y)
		band := d.data[y*stride : (y+rows)*stride]
		xproto.PutImage(conn, xproto.ImageFormatZPixmap, xproto.Drawable(d.window), d.gc,
			uint16(d.width), uint16(rows), 0, int16(y), 0, depth, band)
	}
	conn.Sync()
	return nil
}

// convertRows writes RGBA pixels as BGR(x) scanlines, matching the
// 0xff0000/0xff00/0xff visual masks of TrueColor screens.
func convertRows(dst []byte, img *image.RGBA, stride, bytesPerPixel int, alpha bool) {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+width*4]
		row := dst[y*stride:]
		for x := 0; x < width; x++ {
			s := src[x*4 : x*4+4]
			o := row[x*bytesPerPixel:]
			o[0] = s[2]
			o[1] = s[1]
			o[2] = s[0]
			if bytesPerPixel == 4 {
				if alpha {
					o[3] = s[3]
				} else {
					o[3] = 0
				}
			}
		}
	}
}

func (d *x11Display) setWindowTitle(title string) error {
	titleAtom, err := d.owner.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := d.owner.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(d.owner.conn, xproto.PropModeReplace, d.window,
		titleAtom, utf8Atom, 8, uint32(len(title)), []byte(title)).Check()
}

// WM_CLASS format: instance\0class\0
func (d *x11Display) setWindowClass(instance, class string) error {
	classAtom, err := d.owner.getAtom("WM_CLASS")
	if err != nil {
		return err
	}
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(d.owner.conn, xproto.PropModeReplace, d.window,
		classAtom, xproto.AtomString, 8, uint32(len(classStr)), []byte(classStr)).Check()
}

func (x *X11) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(x.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
