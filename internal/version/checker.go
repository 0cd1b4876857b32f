package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is the current ppewatch release.
const Version = "0.1.0"

// DefaultReleasesURL is where release builds are published. Forks and
// mirrors point the checker elsewhere with ReleasesURLEnv or --releases-url.
const DefaultReleasesURL = "https://api.github.com/repos/a-marczewski/ppewatch/releases/latest"

// ReleasesURLEnv overrides DefaultReleasesURL.
const ReleasesURLEnv = "PPEWATCH_RELEASES_URL"

// ResolveURL picks the releases endpoint: an explicit value first, then
// the environment, then the default.
func ResolveURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := strings.TrimSpace(os.Getenv(ReleasesURLEnv)); v != "" {
		return v
	}
	return DefaultReleasesURL
}

// release is the subset of a GitHub release payload the checker reads.
type release struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// Checker looks up the latest published release.
type Checker struct {
	URL     string
	Current string
	Client  *http.Client
}

// NewChecker returns a checker for url comparing against Version.
func NewChecker(url string) *Checker {
	return &Checker{
		URL:     url,
		Current: Version,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Newer returns the latest release version when it is newer than Current,
// or "" when there is nothing to update to. Drafts and pre-releases are
// ignored.
func (c *Checker) Newer(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "ppewatch/"+c.Current)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", c.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", nil
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("fetch %s: unexpected status %d", c.URL, resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", fmt.Errorf("decode release: %w", err)
	}
	if rel.Draft || rel.Prerelease {
		return "", nil
	}

	latest := strings.TrimPrefix(rel.TagName, "v")
	if !IsNewer(c.Current, latest) {
		return "", nil
	}
	return latest, nil
}

// IsNewer reports whether latest is a higher dotted version than current.
// Missing components count as zero and a "-suffix" pre-release sorts
// before the plain version.
func IsNewer(current, latest string) bool {
	if latest == "" {
		return false
	}
	cCore, cPre := splitPre(current)
	lCore, lPre := splitPre(latest)

	cParts := strings.Split(cCore, ".")
	lParts := strings.Split(lCore, ".")
	for i := 0; i < max(len(cParts), len(lParts)); i++ {
		c, l := part(cParts, i), part(lParts, i)
		if l != c {
			return l > c
		}
	}
	return cPre && !lPre
}

func splitPre(v string) (string, bool) {
	core, _, pre := strings.Cut(strings.TrimPrefix(v, "v"), "-")
	return core, pre
}

func part(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, _ := strconv.Atoi(parts[i])
	return n
}
