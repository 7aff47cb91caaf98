package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ErrEmptyPolicy is returned for a policy document with no text.
var ErrEmptyPolicy = errors.New("policy document is empty")

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]+`)
)

// LoadDocument reads a policy document. Plain text and markdown are used as
// is; HTML is reduced to its readable text.
func LoadDocument(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy: %w", err)
	}
	text := string(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		text, err = HTMLToText(text)
		if err != nil {
			return "", fmt.Errorf("parse policy %s: %w", path, err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyPolicy)
	}
	return text, nil
}

// HTMLToText flattens an HTML document into text with markdown-style
// headings and list bullets so clause boundaries survive.
func HTMLToText(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	writeText(doc, &sb, 0)

	lines := strings.Split(multiSpace.ReplaceAllString(sb.String(), " "), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	out := multiNewline.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out), nil
}

func writeText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 100 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "svg", "nav":
			return
		case "h1":
			sb.WriteString("\n\n# ")
		case "h2":
			sb.WriteString("\n\n## ")
		case "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n### ")
		case "p", "div", "section", "table", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, sb, depth+1)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n")
		}
	}
}
