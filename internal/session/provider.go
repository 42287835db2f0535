package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Refresher obtains fresh credentials out-of-band, normally by driving a
// real browser session against the target site.
type Refresher interface {
	RefreshCookies(ctx context.Context) ([]Cookie, error)
}

// Provider owns the shared session handle. Acquire hands out clones;
// Refresh replaces the shared credential set behind a mutex so that any
// number of workers hitting auth failures at once trigger exactly one
// browser pass.
type Provider struct {
	store     *CookieStore
	refresher Refresher
	hosts     []string
	origin    string
	log       *zap.Logger

	mu     sync.Mutex
	handle *Handle

	// refreshMu serializes the browser pass itself. It is separate from mu
	// so readers are never blocked behind a slow browser launch.
	refreshMu sync.Mutex
}

// NewProvider builds a provider reading from store and refreshing via r.
// hosts are the suffixes cookies are loaded for; origin becomes the Origin
// header on every call.
func NewProvider(store *CookieStore, r Refresher, hosts []string, origin string, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{store: store, refresher: r, hosts: hosts, origin: origin, log: log}
}

// NewStaticProvider builds a provider seeded with an existing handle instead
// of a cookie store. Refresh still goes through r.
func NewStaticProvider(handle *Handle, r Refresher, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{refresher: r, log: log, handle: handle.Clone()}
}

// Acquire returns a clone of the current handle, loading the cookie store on
// first use. A missing store is fatal and not retried.
func (p *Provider) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return p.handle.Clone(), nil
	}
	cookies, err := p.store.Load(p.hosts)
	if err != nil {
		return nil, err
	}
	p.handle = &Handle{Generation: 1, Header: defaultHeader(p.origin), Cookies: cookies}
	p.log.Info("session acquired from cookie store",
		zap.Int("cookies", len(cookies)),
		zap.Strings("hosts", p.hosts))
	return p.handle.Clone(), nil
}

// Refresh replaces the shared credentials via the out-of-band browser pass.
// stale is the handle the caller saw the auth failure with: when another
// caller already refreshed past it, the current handle is returned without
// a second browser pass. Fresh cookies are merged into the existing set, not
// substituted for it, because the store holds cookies the refresh page never
// re-issues.
func (p *Provider) Refresh(ctx context.Context, stale *Handle) (*Handle, error) {
	var staleGen uint64
	if stale != nil {
		staleGen = stale.Generation
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.Lock()
	if p.handle != nil && p.handle.Generation > staleGen {
		h := p.handle.Clone()
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	p.log.Info("refreshing session via browser", zap.Uint64("stale_generation", staleGen))
	fresh, err := p.refresher.RefreshCookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("browser session refresh: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		p.handle = &Handle{Header: defaultHeader(p.origin)}
	}
	p.handle.Cookies = mergeCookies(p.handle.Cookies, fresh)
	p.handle.Generation++
	p.log.Info("session refreshed",
		zap.Int("fresh_cookies", len(fresh)),
		zap.Uint64("generation", p.handle.Generation))
	return p.handle.Clone(), nil
}

// mergeCookies overlays fresh on base: fresh values replace same-keyed
// entries, everything else survives.
func mergeCookies(base, fresh []Cookie) []Cookie {
	type key struct{ name, domain, path string }
	idx := make(map[key]int, len(base))
	out := append([]Cookie(nil), base...)
	for i, c := range out {
		idx[key{c.Name, c.Domain, c.Path}] = i
	}
	for _, c := range fresh {
		k := key{c.Name, c.Domain, c.Path}
		if i, ok := idx[k]; ok {
			out[i] = c
			continue
		}
		idx[k] = len(out)
		out = append(out, c)
	}
	return out
}
