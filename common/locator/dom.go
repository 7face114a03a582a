package locator

import (
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/lyzr/modelrelay/common/models"
)

var sizePattern = regexp.MustCompile(`(?i)^\d+(\.\d+)?\s?(bytes|b|kb|mb|gb|tb)$`)

// how far up from a file link to look for its size cell
const maxRowDepth = 4

// extractFiles reads file rows from a repository tree page. Rows are anchors
// pointing at /blob/{branch}/{path}; parse failures yield an empty list.
func extractFiles(dom io.Reader, branch string) []models.FileEntry {
	files := []models.FileEntry{}

	doc, err := html.Parse(dom)
	if err != nil {
		return files
	}

	marker := "/blob/" + branch + "/"
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if name, ok := fileName(attr(n, "href"), marker); ok && !seen[name] {
				seen[name] = true
				files = append(files, models.FileEntry{
					Name: name,
					Size: rowSize(n, marker),
					Type: models.ClassifyFile(name),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return files
}

func fileName(href, marker string) (string, bool) {
	idx := strings.Index(href, marker)
	if idx < 0 {
		return "", false
	}
	name := href[idx+len(marker):]
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name, name != ""
}

// rowSize walks up from the link and returns the first text that looks like a
// size, without leaving the row that holds this link alone.
func rowSize(link *html.Node, marker string) string {
	row := link
	for depth := 0; depth < maxRowDepth && row.Parent != nil; depth++ {
		row = row.Parent
		if countLinks(row, marker) > 1 {
			return ""
		}
		if size := findSize(row); size != "" {
			return size
		}
	}
	return ""
}

func countLinks(n *html.Node, marker string) int {
	count := 0
	if n.Type == html.ElementNode && n.DataAtom == atom.A && strings.Contains(attr(n, "href"), marker) {
		count++
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count += countLinks(c, marker)
	}
	return count
}

func findSize(n *html.Node) string {
	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if sizePattern.MatchString(text) {
			return text
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if size := findSize(c); size != "" {
			return size
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
