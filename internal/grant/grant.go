// Package grant obtains the platform's authorization to capture the screen.
package grant

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrDenied is returned when the user or platform refuses capture.
var ErrDenied = errors.New("capture authorization denied")

// Grant is a held capture authorization.
type Grant interface {
	ID() string
	// Release returns the authorization to the platform. Safe to call twice.
	Release() error
}

// Provider asks the platform for a grant. Request returns immediately and
// reports the outcome through done from another goroutine. A provider may
// later revoke a grant it handed out; the revoke handler is called from the
// provider's goroutine.
type Provider interface {
	Request(ctx context.Context, done func(Grant, error))
	OnRevoke(handler func(Grant))
}

// Unattended grants every request immediately. It is meant for headless
// hosts where no portal is available, and never revokes.
type Unattended struct {
	mu       sync.Mutex
	released map[string]bool
}

// NewUnattended creates an unattended provider.
func NewUnattended() *Unattended {
	return &Unattended{released: make(map[string]bool)}
}

// Request implements Provider.
func (u *Unattended) Request(ctx context.Context, done func(Grant, error)) {
	go func() {
		if err := ctx.Err(); err != nil {
			done(nil, err)
			return
		}
		done(&unattendedGrant{owner: u, id: uuid.NewString()}, nil)
	}()
}

// OnRevoke implements Provider. Unattended grants are never revoked.
func (u *Unattended) OnRevoke(func(Grant)) {}

// Released reports whether the grant with id has been released.
func (u *Unattended) Released(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.released[id]
}

type unattendedGrant struct {
	owner *Unattended
	id    string
}

func (g *unattendedGrant) ID() string { return g.id }

func (g *unattendedGrant) Release() error {
	g.owner.mu.Lock()
	g.owner.released[g.id] = true
	g.owner.mu.Unlock()
	return nil
}
