// Package browser refreshes expired portal sessions by driving a real
// browser against the portal origin and harvesting the cookies it ends up
// with. The browser carries the user's SSO state, so a plain navigation is
// enough to mint fresh service cookies.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"segforge/internal/session"
)

// Config controls how the refresh browser is launched.
type Config struct {
	// Bin is an explicit browser binary. Empty means rod's default lookup.
	Bin string
	// UserDataDir points at the profile that holds the SSO state.
	UserDataDir string
	Headless    bool
	// SettleWait is how long to sit on the page after navigation so
	// redirects and token exchanges can finish.
	SettleWait time.Duration
}

// Refresher drives a browser to the portal origin and returns the cookies
// the navigation produced. It satisfies session.Refresher.
type Refresher struct {
	cfg    Config
	origin string
	log    *zap.Logger
}

func NewRefresher(cfg Config, origin string, log *zap.Logger) *Refresher {
	if cfg.SettleWait == 0 {
		cfg.SettleWait = 4 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{cfg: cfg, origin: origin, log: log}
}

// RefreshCookies launches the browser, loads the portal origin, waits for it
// to settle, and snapshots the cookie jar. The browser is torn down before
// returning.
func (r *Refresher) RefreshCookies(ctx context.Context) ([]session.Cookie, error) {
	controlURL, err := r.launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	defer b.Close()

	r.log.Info("refreshing session cookies", zap.String("origin", r.origin))
	page, err := b.Page(proto.TargetCreateTarget{URL: r.origin})
	if err != nil {
		return nil, fmt.Errorf("open portal page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		r.log.Debug("page load wait ended early", zap.Error(err))
	}
	// SSO completion is a redirect chain the load event does not cover.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.cfg.SettleWait):
	}

	res, err := proto.NetworkGetCookies{}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}

	cookies := make([]session.Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		cookies = append(cookies, session.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		})
	}
	r.log.Info("harvested cookies", zap.Int("count", len(cookies)))
	return cookies, nil
}

func (r *Refresher) launch() (string, error) {
	l := launcher.New().Headless(r.cfg.Headless)
	if r.cfg.Bin != "" {
		l = l.Bin(r.cfg.Bin)
	}
	if r.cfg.UserDataDir != "" {
		l = l.Set(flags.UserDataDir, r.cfg.UserDataDir)
	}
	url, err := l.Launch()
	if err != nil && r.cfg.Bin != "" {
		// An explicit binary that refuses the profile flags still usually
		// launches bare.
		if alt, altErr := launcher.New().Bin(r.cfg.Bin).Headless(r.cfg.Headless).Launch(); altErr == nil {
			return alt, nil
		}
		return "", err
	}
	return url, err
}
