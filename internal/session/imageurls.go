package session

import (
	"regexp"
	"strings"
)

// Image URL patterns scanned in generated-image tool output: Markdown
// image syntax, HTML img tags, and plain Markdown links whose target has
// an image file extension.
var (
	mdImagePattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)
	htmlImgPattern = regexp.MustCompile(`<img[^>]+src=["']([^"']+)["']`)
	mdLinkPattern  = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)\)`)
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg"}

func hasImageExtension(url string) bool {
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ExtractImageURLs collects the distinct image URLs referenced by text.
// Markdown image syntax and HTML img tags always count; bare Markdown
// links only count when the target looks like an image file. Order of
// first appearance is preserved.
func ExtractImageURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		urls = append(urls, url)
	}

	for _, m := range mdImagePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range htmlImgPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range mdLinkPattern.FindAllStringSubmatch(text, -1) {
		if hasImageExtension(m[1]) {
			add(m[1])
		}
	}
	return urls
}
