package session

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoCredentialStore means no browser cookie store exists for the user.
// This is fatal: without a signed-in browser profile there is nothing to
// refresh from either.
var ErrNoCredentialStore = errors.New("no browser cookie store found; open the browser and sign in once")

// CookieStore reads cookies out of a Firefox-style cookies.sqlite file.
type CookieStore struct {
	ProfileDir string
}

// Load returns every cookie whose host matches one of the given suffixes,
// newest definition first wins on (name, host, path) collisions. A store
// locked by a running browser is copied to a scratch file and read there.
func (s *CookieStore) Load(hostSuffixes []string) ([]Cookie, error) {
	dbPath := filepath.Join(s.ProfileDir, "cookies.sqlite")
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentialStore, dbPath)
	}

	db, cleanup, err := openReadOnly(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if cleanup != nil {
		defer cleanup()
	}

	type key struct{ name, host, path string }
	seen := make(map[key]bool)
	var out []Cookie
	for _, suffix := range hostSuffixes {
		rows, err := db.Query(
			"SELECT name, value, host, path, isSecure FROM moz_cookies WHERE host LIKE ?",
			"%"+suffix,
		)
		if err != nil {
			return nil, fmt.Errorf("query cookie store: %w", err)
		}
		for rows.Next() {
			var c Cookie
			var secure int
			if err := rows.Scan(&c.Name, &c.Value, &c.Domain, &c.Path, &secure); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan cookie row: %w", err)
			}
			c.Secure = secure != 0
			k := key{c.Name, c.Domain, c.Path}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read cookie store: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// openReadOnly opens the cookie DB without touching it. When the browser
// holds an exclusive lock, the file is copied to a temp dir and the copy is
// opened instead; cleanup removes the copy.
func openReadOnly(dbPath string) (*sql.DB, func(), error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err == nil {
		if pingErr := db.Ping(); pingErr == nil {
			return db, nil, nil
		}
		db.Close()
	}

	tmpDir, err := os.MkdirTemp("", "segforge_cookies_")
	if err != nil {
		return nil, nil, fmt.Errorf("scratch dir for locked cookie store: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }
	copied := filepath.Join(tmpDir, "cookies.sqlite")
	if err := copyFile(dbPath, copied); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("copy locked cookie store: %w", err)
	}
	db, err = sql.Open("sqlite3", copied)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open copied cookie store: %w", err)
	}
	return db, cleanup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// FindProfileDir locates the user's default Firefox profile directory.
func FindProfileDir() (string, error) {
	root, err := profilesRoot()
	if err != nil {
		return "", err
	}
	// Prefer the default profile, then fall back to any profile dir.
	matches, _ := filepath.Glob(filepath.Join(root, "*.default*"))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			return m, nil
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoCredentialStore, root)
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", ErrNoCredentialStore
}

func profilesRoot() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", ErrNoCredentialStore
		}
		return filepath.Join(appData, "Mozilla", "Firefox", "Profiles"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "Firefox", "Profiles"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".mozilla", "firefox"), nil
	}
}
