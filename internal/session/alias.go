package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var aliasClean = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// aliasEnvKeys are checked in order when no explicit alias is given.
var aliasEnvKeys = []string{"SEGFORGE_ALIAS", "USER_ALIAS", "ALIAS"}

// ResolveAlias determines the acting user's alias: an explicit value wins,
// then the environment, then ~/.segforge/profile.json ({"alias","email"}).
// Returns "" when nothing resolves.
func ResolveAlias(explicit string) string {
	if a := strings.TrimSpace(explicit); a != "" {
		return cleanAlias(a)
	}
	for _, key := range aliasEnvKeys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return cleanAlias(v)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".segforge", "profile.json"))
	if err != nil {
		return ""
	}
	var prof struct {
		Alias string `json:"alias"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &prof); err != nil {
		return ""
	}
	if a := strings.TrimSpace(prof.Alias); a != "" {
		return cleanAlias(a)
	}
	if at := strings.IndexByte(prof.Email, '@'); at > 0 {
		return cleanAlias(prof.Email[:at])
	}
	return ""
}

func cleanAlias(raw string) string {
	return aliasClean.ReplaceAllString(raw, "")
}
