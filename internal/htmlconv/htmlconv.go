// Package htmlconv turns prompts pasted as HTML into markdown before they
// are sent to the model.
package htmlconv

import (
	"bytes"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"

	"github.com/codefionn/inferlink/internal/logger"
)

var (
	openTagPattern = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)\b[^>]*>`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
)

// tagThreshold is the number of opening tags that marks text as HTML.
const tagThreshold = 3

var structuralTags = []string{"<body", "<div", "<table", "<ul>", "<ol>", "<h1", "<h2"}

var droppedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "meta": true,
	"link": true, "head": true, "header": true, "footer": true,
	"nav": true, "aside": true, "iframe": true, "svg": true,
}

// IsHTML reports whether input looks like an HTML document or fragment
// rather than prose that mentions a tag.
func IsHTML(input string) bool {
	lower := strings.ToLower(strings.TrimSpace(input))
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return true
	}

	tags := len(openTagPattern.FindAllString(input, -1))
	switch {
	case tags >= tagThreshold:
		return true
	case tags == 2:
		for _, tag := range structuralTags {
			if strings.Contains(lower, tag) {
				return true
			}
		}
	}
	return false
}

// ConvertIfHTML converts input to markdown when it looks like HTML. The
// second result reports whether a conversion happened.
func ConvertIfHTML(input string, log *logger.Logger) (string, bool) {
	if !IsHTML(input) {
		return input, false
	}
	log = logger.OrGlobal(log)

	cleaned, err := extractContent(input)
	if err != nil {
		log.Warn("Failed to parse HTML prompt: %v", err)
		cleaned = input
	}

	markdown, err := htmltomarkdown.ConvertString(cleaned)
	if err != nil {
		log.Warn("Failed to convert HTML prompt to markdown: %v", err)
		return input, false
	}
	markdown = strings.TrimSpace(blankLines.ReplaceAllString(markdown, "\n\n"))

	log.Debug("Converted HTML prompt to markdown (%d -> %d bytes)", len(input), len(markdown))
	return markdown, true
}

// extractContent keeps the main content element and strips navigation,
// scripts and other chrome.
func extractContent(input string) (string, error) {
	doc, err := html.Parse(strings.NewReader(input))
	if err != nil {
		return "", err
	}

	root := mainContent(doc)
	strip(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// mainContent prefers <main>, then <article>, then <body>.
func mainContent(doc *html.Node) *html.Node {
	found := make(map[string]*html.Node)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if _, seen := found[tag]; !seen {
				found[tag] = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, tag := range []string{"main", "article", "body"} {
		if n := found[tag]; n != nil {
			return n
		}
	}
	return doc
}

func strip(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && droppedTags[strings.ToLower(c.Data)] {
			n.RemoveChild(c)
		} else {
			strip(c)
		}
		c = next
	}
}
