package locator

import (
	"io"
	"net/url"
	"strings"

	"github.com/lyzr/modelrelay/common/models"
)

// DefaultHost is the hub whose repository pages are recognized
const DefaultHost = "huggingface.co"

// Top-level paths on the hub that are site pages, not owners
var reservedOwners = map[string]bool{
	"docs":          true,
	"blog":          true,
	"pricing":       true,
	"login":         true,
	"join":          true,
	"settings":      true,
	"models":        true,
	"organizations": true,
	"papers":        true,
	"collections":   true,
	"api":           true,
	"new":           true,
	"search":        true,
	"tasks":         true,
	"enterprise":    true,
	"learn":         true,
	"posts":         true,
	"chat":          true,
}

// Repository sub-pages that do not describe the repository contents
var reservedSubPaths = map[string]bool{
	"discussions": true,
	"community":   true,
	"commits":     true,
}

// Locator recognizes repository pages and extracts their identity
type Locator struct {
	host string
}

// New creates a locator for the given hub host
func New(host string) *Locator {
	if host == "" {
		host = DefaultHost
	}
	return &Locator{host: strings.ToLower(host)}
}

// Identify returns the repository identity for a page, or false when the URL
// is not a repository page. The DOM snapshot is optional; anything it lacks
// falls back to defaults.
func (l *Locator) Identify(rawURL string, dom io.Reader) (*models.RepoIdentity, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."); host != l.host {
		return nil, false
	}

	segments := splitPath(u.Path)

	repoType := models.RepoTypeModel
	if len(segments) > 0 {
		switch segments[0] {
		case "datasets":
			repoType = models.RepoTypeDataset
			segments = segments[1:]
		case "spaces":
			repoType = models.RepoTypeSpace
			segments = segments[1:]
		}
	}

	if len(segments) < 2 || reservedOwners[segments[0]] {
		return nil, false
	}
	if len(segments) > 2 && reservedSubPaths[segments[2]] {
		return nil, false
	}

	identity := models.NewRepoIdentity(segments[0], segments[1], repoType)
	if identity.Validate() != nil {
		return nil, false
	}
	identity.URL = canonicalURL(u.Scheme, l.host, repoType, identity.FullName)

	if len(segments) > 3 && (segments[2] == "tree" || segments[2] == "blob") {
		identity.Branch = segments[3]
	}

	if dom != nil {
		identity.Files = extractFiles(dom, identity.Branch)
	}

	return identity, true
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func canonicalURL(scheme, host string, repoType models.RepoType, fullName string) string {
	prefix := ""
	switch repoType {
	case models.RepoTypeDataset:
		prefix = "/datasets"
	case models.RepoTypeSpace:
		prefix = "/spaces"
	}
	return scheme + "://" + host + prefix + "/" + fullName
}
