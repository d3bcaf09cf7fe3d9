package painter

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// resolveToken follows the same priority chain as the teacher's
// getAuthToken() in internal/github/client.go, trimmed to the two
// sources that make sense for a generic HTTP artifact host rather than
// GitHub specifically: an explicit option always wins, then the
// CHUNKCACHE_TOKEN environment variable, then a matching .netrc entry.
// The git-credential-helper and gh-CLI-config sources the teacher reads
// have no counterpart here since there is no git or gh identity
// involved in fetching a chunk cache artifact.
func resolveToken(explicit, remoteURL string) string {
	if explicit != "" {
		return explicit
	}
	if token := os.Getenv("CHUNKCACHE_TOKEN"); token != "" {
		return token
	}
	if host := hostOf(remoteURL); host != "" {
		if token := netrcPassword(host); token != "" {
			return token
		}
	}
	return ""
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// netrcPassword reads ~/.netrc and returns the password entry for
// machine, adapted from the teacher's getNetrcToken.
func netrcPassword(machine string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	content, err := os.ReadFile(filepath.Join(home, ".netrc"))
	if err != nil {
		return ""
	}

	lines := strings.Split(string(content), "\n")
	inMachine := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "machine ") && strings.Contains(line, machine):
			inMachine = true
		case inMachine && strings.HasPrefix(line, "password "):
			return strings.TrimPrefix(line, "password ")
		case strings.HasPrefix(line, "machine "):
			inMachine = false
		}
	}
	return ""
}
