// Package authtoken implements the engine's auth boundary (spec.md §6):
// a token provider producing opaque bearer tokens, firing a change event
// whenever the value changes so the transport can rebind the handshake
// ext. It wraps an oauth2.TokenSource rather than reinventing refresh
// logic — OAuth/token acquisition itself is explicitly out of scope
// (spec.md §1).
package authtoken

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// Provider adapts an oauth2.TokenSource into transport.TokenSource,
// detecting rotation by comparing the access token string returned on
// each call (oauth2.TokenSource has no native change notification).
type Provider struct {
	mu        sync.Mutex
	src       oauth2.TokenSource
	lastToken string
	watchers  map[int]func()
	nextID    int
}

// New wraps src. src is typically oauth2.ReuseTokenSource over a
// refreshing source, so repeated Token calls are cheap between rotations.
func New(src oauth2.TokenSource) *Provider {
	return &Provider{src: src, watchers: make(map[int]func())}
}

// Token returns the current bearer token, firing change watchers if the
// underlying source rotated it since the last call.
func (p *Provider) Token(ctx context.Context) (string, error) {
	tok, err := p.src.Token()
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	rotated := p.lastToken != "" && p.lastToken != tok.AccessToken
	p.lastToken = tok.AccessToken
	var watchers []func()
	if rotated {
		watchers = make([]func(), 0, len(p.watchers))
		for _, w := range p.watchers {
			watchers = append(watchers, w)
		}
	}
	p.mu.Unlock()

	for _, w := range watchers {
		w()
	}
	return tok.AccessToken, nil
}

// OnChange registers cb to fire whenever Token observes a rotated access
// token. Returns an idempotent unsubscribe.
func (p *Provider) OnChange(cb func()) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = cb
	p.mu.Unlock()

	done := false
	var once sync.Mutex
	return func() {
		once.Lock()
		defer once.Unlock()
		if done {
			return
		}
		done = true
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}
