package canvas

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML reduces an HTML fragment (Canvas assignment descriptions and
// announcement bodies are rich text) to plain text suitable for prompts and
// indexing. Unparsable input is returned as-is.
func StripHTML(fragment string) string {
	if fragment == "" || !strings.ContainsRune(fragment, '<') {
		return strings.TrimSpace(fragment)
	}

	node, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}

	var sb strings.Builder
	collectText(node, &sb)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func collectText(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
	case html.ElementNode:
		// Script and style contents are never prose.
		if n.Data == "script" || n.Data == "style" {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}
