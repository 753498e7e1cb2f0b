package grant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/godbus/dbus/v5"
	"gopkg.in/yaml.v3"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

// Persist modes for SelectSources
const (
	PersistModeNone        = 0
	PersistModeApplication = 1
	PersistModeSession     = 2
)

// Response codes of org.freedesktop.portal.Request.Response
const (
	responseSuccess   = 0
	responseCancelled = 1
)

// DefaultTokenPath is where the portal restore token is kept.
func DefaultTokenPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}
	return filepath.Join(configDir, "presentationrecorder", "portal_token.yaml")
}

// Portal obtains grants through the xdg-desktop-portal ScreenCast interface.
// Each grant is one portal session; closing the session from the desktop
// side revokes the grant.
type Portal struct {
	conn      *dbus.Conn
	timeout   time.Duration
	tokenPath string
	seq       atomic.Uint64

	mu           sync.Mutex
	restoreToken string
	waiters      map[dbus.ObjectPath]chan *dbus.Signal
	sessions     map[dbus.ObjectPath]*portalGrant
	onRevoke     func(Grant)

	signals chan *dbus.Signal
	quit    chan struct{}
	done    chan struct{}
}

// NewPortal connects to the session bus. timeout bounds each portal dialog.
func NewPortal(timeout time.Duration, tokenPath string) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if tokenPath == "" {
		tokenPath = DefaultTokenPath()
	}

	p := &Portal{
		conn:      conn,
		timeout:   timeout,
		tokenPath: tokenPath,
		waiters:   make(map[dbus.ObjectPath]chan *dbus.Signal),
		sessions:  make(map[dbus.ObjectPath]*portalGrant),
		signals:   make(chan *dbus.Signal, 16),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.restoreToken = loadRestoreToken(tokenPath)

	log := logger.WithComponent("portal")
	for _, rule := range []string{
		fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface),
		fmt.Sprintf("type='signal',interface='%s',member='Closed'", sessionIface),
	} {
		if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			log.Warn().Err(err).Str("rule", rule).Msg("Failed to add match rule")
		}
	}
	conn.Signal(p.signals)
	go p.dispatch()

	return p, nil
}

// Close closes every open portal session and the bus connection.
func (p *Portal) Close() error {
	p.mu.Lock()
	grants := make([]*portalGrant, 0, len(p.sessions))
	for _, g := range p.sessions {
		grants = append(grants, g)
	}
	p.mu.Unlock()

	for _, g := range grants {
		g.Release()
	}
	p.conn.RemoveSignal(p.signals)
	close(p.quit)
	<-p.done
	return p.conn.Close()
}

// OnRevoke implements Provider.
func (p *Portal) OnRevoke(handler func(Grant)) {
	p.mu.Lock()
	p.onRevoke = handler
	p.mu.Unlock()
}

// Request implements Provider.
func (p *Portal) Request(ctx context.Context, done func(Grant, error)) {
	go func() {
		g, err := p.open(ctx)
		if err != nil {
			done(nil, err)
			return
		}
		done(g, nil)
	}()
}

// open runs CreateSession, SelectSources and Start. A failure after the
// session exists closes it again.
func (p *Portal) open(ctx context.Context) (*portalGrant, error) {
	log := logger.WithComponent("portal")

	handle, err := p.createSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Debug().Str("session", string(handle)).Msg("Created portal session")

	g := &portalGrant{owner: p, handle: handle}
	if err := p.selectSources(ctx, handle); err != nil {
		g.closeSession()
		return nil, fmt.Errorf("failed to select sources: %w", err)
	}
	log.Debug().Msg("Selected sources")

	nodeID, err := p.start(ctx, handle)
	if err != nil {
		g.closeSession()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	g.nodeID = nodeID

	p.mu.Lock()
	p.sessions[handle] = g
	p.mu.Unlock()

	log.Info().Str("session", string(handle)).Uint32("node_id", nodeID).Msg("Screen capture granted")
	return g, nil
}

func (p *Portal) createSession(ctx context.Context) (dbus.ObjectPath, error) {
	results, err := p.call(ctx, "CreateSession", func(token string) []interface{} {
		return []interface{}{map[string]dbus.Variant{
			"handle_token":         dbus.MakeVariant(token),
			"session_handle_token": dbus.MakeVariant("presentationrecorder_" + token),
		}}
	})
	if err != nil {
		return "", err
	}

	sessionHandle, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch v := sessionHandle.Value().(type) {
	case dbus.ObjectPath:
		return v, nil
	case string:
		return dbus.ObjectPath(v), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", v)
	}
}

func (p *Portal) selectSources(ctx context.Context, handle dbus.ObjectPath) error {
	p.mu.Lock()
	restoreToken := p.restoreToken
	p.mu.Unlock()

	_, err := p.call(ctx, "SelectSources", func(token string) []interface{} {
		options := map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(token),
			"types":        dbus.MakeVariant(uint32(SourceTypeMonitor)),
			"multiple":     dbus.MakeVariant(false),
			"cursor_mode":  dbus.MakeVariant(uint32(CursorModeEmbedded)),
			"persist_mode": dbus.MakeVariant(uint32(PersistModeSession)),
		}
		if restoreToken != "" {
			options["restore_token"] = dbus.MakeVariant(restoreToken)
		}
		return []interface{}{handle, options}
	})
	return err
}

func (p *Portal) start(ctx context.Context, handle dbus.ObjectPath) (uint32, error) {
	results, err := p.call(ctx, "Start", func(token string) []interface{} {
		return []interface{}{handle, "", map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(token),
		}}
	})
	if err != nil {
		return 0, err
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok {
			p.mu.Lock()
			p.restoreToken = token
			p.mu.Unlock()
			if err := saveRestoreToken(p.tokenPath, token); err != nil {
				logger.WithComponent("portal").Warn().Err(err).Msg("Failed to save restore token")
			}
		}
	}

	nodeID, ok := streamNodeID(results)
	if !ok {
		return 0, fmt.Errorf("no streams in response")
	}
	return nodeID, nil
}

// call invokes a ScreenCast method and waits for its Request.Response. The
// waiter is registered on the predicted request path before the call so a
// fast response cannot be missed.
func (p *Portal) call(ctx context.Context, method string, args func(token string) []interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")
	token := fmt.Sprintf("pr%d_%d", os.Getpid(), p.seq.Add(1))
	predicted := requestPath(p.conn.Names(), token)

	ch := make(chan *dbus.Signal, 1)
	p.addWaiter(predicted, ch)
	defer p.removeWaiter(predicted)

	var actual dbus.ObjectPath
	obj := p.conn.Object(portalService, portalPath)
	if err := obj.CallWithContext(ctx, screenCastIface+"."+method, 0, args(token)...).Store(&actual); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	if actual != predicted {
		// Older portals return a different handle
		p.addWaiter(actual, ch)
		defer p.removeWaiter(actual)
	}

	log.Info().Str("request_path", string(actual)).Msgf("Waiting for %s response", method)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		p.conn.Object(portalService, actual).Call(requestIface+".Close", 0)
		return nil, ctx.Err()
	case <-timer.C:
		p.conn.Object(portalService, actual).Call(requestIface+".Close", 0)
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	case sig := <-ch:
		code, results, err := parseResponse(sig)
		if err != nil {
			return nil, err
		}
		if code != responseSuccess {
			return nil, denial(method, code)
		}
		return results, nil
	}
}

func (p *Portal) addWaiter(path dbus.ObjectPath, ch chan *dbus.Signal) {
	p.mu.Lock()
	p.waiters[path] = ch
	p.mu.Unlock()
}

func (p *Portal) removeWaiter(path dbus.ObjectPath) {
	p.mu.Lock()
	delete(p.waiters, path)
	p.mu.Unlock()
}

// dispatch routes bus signals to request waiters and session revocations.
func (p *Portal) dispatch() {
	defer close(p.done)
	log := logger.WithComponent("portal")

	for {
		var sig *dbus.Signal
		select {
		case <-p.quit:
			return
		case sig = <-p.signals:
		}
		if sig == nil {
			return
		}

		switch sig.Name {
		case requestIface + ".Response":
			p.mu.Lock()
			ch, ok := p.waiters[sig.Path]
			p.mu.Unlock()
			if ok {
				select {
				case ch <- sig:
				default:
				}
			}
		case sessionIface + ".Closed":
			p.mu.Lock()
			g, ok := p.sessions[sig.Path]
			if ok {
				delete(p.sessions, sig.Path)
				g.revoked.Store(true)
			}
			handler := p.onRevoke
			p.mu.Unlock()
			if !ok {
				continue
			}
			log.Info().Str("session", string(sig.Path)).Msg("Portal session closed by the desktop")
			if handler != nil {
				handler(g)
			}
		}
	}
}

// requestPath predicts the Request object path for a handle token:
// /org/freedesktop/portal/desktop/request/SENDER/TOKEN, where SENDER is the
// unique bus name without the leading ':' and with '.' replaced by '_'.
func requestPath(names []string, token string) dbus.ObjectPath {
	sender := ""
	if len(names) > 0 {
		sender = strings.ReplaceAll(strings.TrimPrefix(names[0], ":"), ".", "_")
	}
	return dbus.ObjectPath(portalPath + "/request/" + sender + "/" + token)
}

func parseResponse(sig *dbus.Signal) (uint32, map[string]dbus.Variant, error) {
	if len(sig.Body) < 1 {
		return 0, nil, fmt.Errorf("invalid response")
	}
	code, ok := sig.Body[0].(uint32)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected response code type: %T", sig.Body[0])
	}
	results := map[string]dbus.Variant{}
	if len(sig.Body) > 1 {
		if r, ok := sig.Body[1].(map[string]dbus.Variant); ok {
			results = r
		}
	}
	return code, results, nil
}

func denial(method string, code uint32) error {
	if code == responseCancelled {
		return fmt.Errorf("%w: %s cancelled by user", ErrDenied, method)
	}
	return fmt.Errorf("%w: %s refused (code %d)", ErrDenied, method, code)
}

// streamNodeID extracts the first node id from the a(ua{sv}) streams result.
func streamNodeID(results map[string]dbus.Variant) (uint32, bool) {
	streams, ok := results["streams"]
	if !ok {
		return 0, false
	}
	switch v := streams.Value().(type) {
	case [][]interface{}:
		if len(v) > 0 && len(v[0]) > 0 {
			id, ok := v[0][0].(uint32)
			return id, ok
		}
	case []interface{}:
		if len(v) > 0 {
			if stream, ok := v[0].([]interface{}); ok && len(stream) > 0 {
				id, ok := stream[0].(uint32)
				return id, ok
			}
		}
	}
	return 0, false
}

type restoreTokenFile struct {
	Token string `yaml:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var f restoreTokenFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ""
	}
	return f.Token
}

func saveRestoreToken(path, token string) error {
	if token == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(restoreTokenFile{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type portalGrant struct {
	owner   *Portal
	handle  dbus.ObjectPath
	nodeID  uint32
	revoked atomic.Bool
	once    sync.Once
}

func (g *portalGrant) ID() string { return string(g.handle) }

// NodeID is the PipeWire node the desktop is sharing.
func (g *portalGrant) NodeID() uint32 { return g.nodeID }

func (g *portalGrant) Release() error {
	var err error
	g.once.Do(func() {
		g.owner.mu.Lock()
		delete(g.owner.sessions, g.handle)
		g.owner.mu.Unlock()
		if g.revoked.Load() {
			return
		}
		err = g.closeSession()
	})
	return err
}

func (g *portalGrant) closeSession() error {
	call := g.owner.conn.Object(portalService, g.handle).Call(sessionIface+".Close", 0)
	if call.Err != nil {
		return fmt.Errorf("failed to close portal session: %w", call.Err)
	}
	return nil
}
