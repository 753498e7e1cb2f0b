package display

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
)

// Owner reports whether a display id belongs to this process.
type Owner interface {
	Owns(id ID) bool
}

// X11Notifier watches the root window for structure changes and reports
// those of windows an Owner recognizes. It uses its own connection so event
// reads never contend with rendering.
type X11Notifier struct {
	displayName string
	owner       Owner

	mu      sync.Mutex
	conn    *xgb.Conn
	done    chan struct{}
	tracked map[xproto.Window]bool
}

// NewX11Notifier creates a notifier; nothing connects until Register.
func NewX11Notifier(displayName string, owner Owner) *X11Notifier {
	return &X11Notifier{displayName: displayName, owner: owner}
}

// Register implements Notifier.
func (n *X11Notifier) Register(listener func(AttachEvent)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		return fmt.Errorf("display listener already registered")
	}

	conn, err := xgb.NewConnDisplay(n.displayName)
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	root := xproto.Setup(conn).DefaultScreen(conn).Root

	err = xproto.ChangeWindowAttributesChecked(conn, root, xproto.CwEventMask,
		[]uint32{xproto.EventMaskSubstructureNotify}).Check()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to select root substructure events: %w", err)
	}

	n.conn = conn
	n.done = make(chan struct{})
	n.tracked = make(map[xproto.Window]bool)
	go n.watch(conn, listener, n.done)

	logger.WithComponent("display").Debug().Msg("Display change notifier registered")
	return nil
}

// Unregister implements Notifier. It waits for the event reader to exit.
func (n *X11Notifier) Unregister() {
	n.mu.Lock()
	conn, done := n.conn, n.done
	n.conn = nil
	n.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	<-done
}

func (n *X11Notifier) watch(conn *xgb.Conn, listener func(AttachEvent), done chan struct{}) {
	defer close(done)
	log := logger.WithComponent("display")

	for {
		ev, xerr := conn.WaitForEvent()
		if ev == nil && xerr == nil {
			log.Debug().Msg("X connection closed, notifier exiting")
			return
		}
		if xerr != nil {
			log.Debug().Str("error", xerr.Error()).Msg("X error on notifier connection")
			continue
		}
		if ae, ok := n.translate(ev); ok {
			listener(ae)
		}
	}
}

// translate maps structure events of owned windows onto attach events.
// CreateNotify is added, MapNotify and ConfigureNotify are changed and
// DestroyNotify is removed.
func (n *X11Notifier) translate(ev xgb.Event) (AttachEvent, bool) {
	switch e := ev.(type) {
	case xproto.CreateNotifyEvent:
		if !n.owner.Owns(ID(e.Window)) {
			return AttachEvent{}, false
		}
		n.tracked[e.Window] = true
		return AttachEvent{ID: ID(e.Window), Kind: Added}, true
	case xproto.MapNotifyEvent:
		if !n.tracked[e.Window] {
			return AttachEvent{}, false
		}
		return AttachEvent{ID: ID(e.Window), Kind: Changed}, true
	case xproto.ConfigureNotifyEvent:
		if !n.tracked[e.Window] {
			return AttachEvent{}, false
		}
		return AttachEvent{ID: ID(e.Window), Kind: Changed}, true
	case xproto.DestroyNotifyEvent:
		// Ownership is dropped before the server reports the destroy
		if !n.tracked[e.Window] {
			return AttachEvent{}, false
		}
		delete(n.tracked, e.Window)
		return AttachEvent{ID: ID(e.Window), Kind: Removed}, true
	}
	return AttachEvent{}, false
}
