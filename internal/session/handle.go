// Package session owns the authenticated channel to the remote services.
// Credentials come from the local browser cookie store; a browser-driven
// refresh replaces them when the backend rejects a call. Workers never share
// a mutable handle: every consumer gets an independent clone.
package session

import (
	"net/http"
	"strings"
)

// Cookie is one credential cookie scoped to a host suffix.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
	Secure bool
}

// Handle is an immutable snapshot of the authenticated channel: the shared
// header set plus every cookie loaded for the configured hosts. Generation
// increases on every refresh so contending callers can tell a stale handle
// from a fresh one.
type Handle struct {
	Generation uint64
	Header     http.Header
	Cookies    []Cookie
}

// Clone returns an independent copy safe for concurrent use.
func (h *Handle) Clone() *Handle {
	if h == nil {
		return nil
	}
	out := &Handle{
		Generation: h.Generation,
		Header:     h.Header.Clone(),
		Cookies:    append([]Cookie(nil), h.Cookies...),
	}
	return out
}

// Apply stamps the handle's headers and host-matching cookies onto req.
// Headers already present on req win, so per-call headers like Referer are
// never clobbered.
func (h *Handle) Apply(req *http.Request) {
	if h == nil {
		return
	}
	for k, vs := range h.Header {
		if req.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	host := req.URL.Hostname()
	for _, c := range h.Cookies {
		if !domainMatches(host, c.Domain) {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

func domainMatches(host, domain string) bool {
	d := strings.TrimPrefix(domain, ".")
	return host == d || strings.HasSuffix(host, "."+d)
}

// defaultHeader is the browser-equivalent header set every request carries.
func defaultHeader(origin string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:140.0) Gecko/20100101 Firefox/140.0")
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Content-Type", "application/json")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Connection", "keep-alive")
	if origin != "" {
		h.Set("Origin", origin)
	}
	return h
}
