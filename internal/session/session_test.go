package session

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCloneIsIndependent(t *testing.T) {
	h := &Handle{
		Generation: 3,
		Header:     defaultHeader("https://portal.example.test"),
		Cookies:    []Cookie{{Name: "sid", Value: "a", Domain: ".example.test", Path: "/"}},
	}
	c := h.Clone()
	c.Header.Set("User-Agent", "other")
	c.Cookies[0].Value = "b"

	assert.Equal(t, "a", h.Cookies[0].Value)
	assert.NotEqual(t, "other", h.Header.Get("User-Agent"))
	assert.Equal(t, uint64(3), c.Generation)
}

func TestHandleApply(t *testing.T) {
	h := &Handle{
		Header: defaultHeader("https://portal.example.test"),
		Cookies: []Cookie{
			{Name: "sid", Value: "abc", Domain: ".example.test", Path: "/"},
			{Name: "other", Value: "x", Domain: ".unrelated.test", Path: "/"},
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "https://svc.example.test/api", nil)
	req.Header.Set("Referer", "https://portal.example.test/page")
	req.Header.Set("Accept", "text/csv") // per-call header must survive
	h.Apply(req)

	assert.Equal(t, "text/csv", req.Header.Get("Accept"))
	assert.Equal(t, "https://portal.example.test", req.Header.Get("Origin"))
	assert.NotEmpty(t, req.Header.Get("User-Agent"))

	got, err := req.Cookie("sid")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Value)
	_, err = req.Cookie("other")
	assert.Error(t, err)
}

// writeCookieFixture builds a minimal Firefox-shaped cookies.sqlite.
func writeCookieFixture(t *testing.T, dir string, rows [][]any) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "cookies.sqlite"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE moz_cookies (
		id INTEGER PRIMARY KEY,
		name TEXT, value TEXT, host TEXT, path TEXT, isSecure INTEGER
	)`)
	require.NoError(t, err)
	for _, r := range rows {
		_, err := db.Exec(
			"INSERT INTO moz_cookies (name, value, host, path, isSecure) VALUES (?,?,?,?,?)",
			r...)
		require.NoError(t, err)
	}
}

func TestCookieStoreLoad(t *testing.T) {
	dir := t.TempDir()
	writeCookieFixture(t, dir, [][]any{
		{"sid", "s1", ".portal.example.test", "/", 1},
		{"csrf", "c1", "svc.example.test", "/", 0},
		{"noise", "n1", ".elsewhere.test", "/", 0},
		{"sid", "dup", ".portal.example.test", "/", 1}, // same key, first wins
	})

	store := &CookieStore{ProfileDir: dir}
	cookies, err := store.Load([]string{"example.test"})
	require.NoError(t, err)
	require.Len(t, cookies, 2)

	byName := map[string]Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}
	assert.Equal(t, "s1", byName["sid"].Value)
	assert.True(t, byName["sid"].Secure)
	assert.Equal(t, "c1", byName["csrf"].Value)
	assert.False(t, byName["csrf"].Secure)
}

func TestCookieStoreMissingIsFatal(t *testing.T) {
	store := &CookieStore{ProfileDir: t.TempDir()}
	_, err := store.Load([]string{"example.test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCredentialStore)
}

type countingRefresher struct {
	calls   atomic.Int32
	cookies []Cookie
	release chan struct{} // when non-nil, RefreshCookies blocks until closed
}

func (r *countingRefresher) RefreshCookies(ctx context.Context) ([]Cookie, error) {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	return r.cookies, nil
}

func TestProviderAcquireLoadsStoreOnce(t *testing.T) {
	dir := t.TempDir()
	writeCookieFixture(t, dir, [][]any{
		{"sid", "s1", ".portal.example.test", "/", 1},
	})
	p := NewProvider(&CookieStore{ProfileDir: dir}, &countingRefresher{}, []string{"example.test"}, "https://portal.example.test", nil)

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h1.Generation)
	require.Len(t, h1.Cookies, 1)

	// Second acquire must not reopen the store; wipe it and check.
	require.NoError(t, os.Remove(filepath.Join(dir, "cookies.sqlite")))
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", h2.Cookies[0].Value)
}

func TestProviderRefreshMergesCookies(t *testing.T) {
	dir := t.TempDir()
	writeCookieFixture(t, dir, [][]any{
		{"sid", "stale", ".portal.example.test", "/", 1},
		{"keepme", "k", ".portal.example.test", "/", 0},
	})
	ref := &countingRefresher{cookies: []Cookie{
		{Name: "sid", Value: "fresh", Domain: ".portal.example.test", Path: "/"},
		{Name: "brand", Value: "new", Domain: ".portal.example.test", Path: "/"},
	}}
	p := NewProvider(&CookieStore{ProfileDir: dir}, ref, []string{"example.test"}, "", nil)

	stale, err := p.Acquire(context.Background())
	require.NoError(t, err)

	h, err := p.Refresh(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.Generation)

	byName := map[string]string{}
	for _, c := range h.Cookies {
		byName[c.Name] = c.Value
	}
	assert.Equal(t, "fresh", byName["sid"])
	assert.Equal(t, "k", byName["keepme"])
	assert.Equal(t, "new", byName["brand"])
}

func TestProviderRefreshCoalescesContenders(t *testing.T) {
	dir := t.TempDir()
	writeCookieFixture(t, dir, [][]any{
		{"sid", "stale", ".portal.example.test", "/", 1},
	})
	ref := &countingRefresher{
		cookies: []Cookie{{Name: "sid", Value: "fresh", Domain: ".portal.example.test", Path: "/"}},
		release: make(chan struct{}),
	}
	p := NewProvider(&CookieStore{ProfileDir: dir}, ref, []string{"example.test"}, "", nil)

	stale, err := p.Acquire(context.Background())
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Handle, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Refresh(context.Background(), stale)
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}
	close(ref.release)
	wg.Wait()

	assert.Equal(t, int32(1), ref.calls.Load())
	for _, h := range results {
		require.NotNil(t, h)
		assert.Equal(t, uint64(2), h.Generation)
	}
}

func TestResolveAlias(t *testing.T) {
	assert.Equal(t, "jsmith", ResolveAlias("jsmith"))
	assert.Equal(t, "j.smith-2", ResolveAlias(" j.smith-2 "))
	assert.Equal(t, "jsmith", ResolveAlias("jsmith@corp"))

	t.Setenv("SEGFORGE_ALIAS", "envalias")
	assert.Equal(t, "envalias", ResolveAlias(""))
	t.Setenv("SEGFORGE_ALIAS", "")
	t.Setenv("USER_ALIAS", "fallback")
	assert.Equal(t, "fallback", ResolveAlias(""))
}

func TestMergeCookies(t *testing.T) {
	base := []Cookie{
		{Name: "a", Domain: "d", Path: "/", Value: "1"},
		{Name: "b", Domain: "d", Path: "/", Value: "2"},
	}
	fresh := []Cookie{
		{Name: "b", Domain: "d", Path: "/", Value: "22"},
		{Name: "c", Domain: "d", Path: "/", Value: "3"},
	}
	out := mergeCookies(base, fresh)
	require.Len(t, out, 3)
	assert.Equal(t, "1", out[0].Value)
	assert.Equal(t, "22", out[1].Value)
	assert.Equal(t, "3", out[2].Value)
}
