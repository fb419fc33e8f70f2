package enrichment

import (
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// customFieldLabels maps labels seen on bespoke council portals to output
// keys. Matching is case-insensitive on the trimmed label.
var customFieldLabels = map[string]string{
	"applicant":        "applicant_name",
	"applicant name":   "applicant_name",
	"agent":            "agent_name",
	"agent name":       "agent_name",
	"ward":             "ward",
	"decision date":    "decided_date",
	"decision issued":  "decided_date",
	"documents":        "n_documents",
	"statutory period": "n_statutory_days",
}

var labelValueRe = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z /]{2,40}?)\s*:\s*(.{2,200}?)\s*$`)

// ParseCustomPortal extracts labeled fields from a bespoke portal page using
// two passes: dt/dd definition lists, then "Label: value" text lines.
func ParseCustomPortal(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string)
	collectDefinitionLists(doc, fields)

	// Fall back to "Label: value" lines in the page text for anything the
	// definition lists missed.
	for _, line := range textLines(doc) {
		m := labelValueRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if key, ok := customFieldLabels[strings.ToLower(strings.TrimSpace(m[1]))]; ok {
			if _, seen := fields[key]; !seen {
				fields[key] = strings.TrimSpace(m[2])
			}
		}
	}
	return fields, nil
}

// textLines returns each non-empty text node as its own line, so that
// "Label: value" patterns keep their visual boundaries.
func textLines(doc *html.Node) []string {
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if line := strings.Join(strings.Fields(n.Data), " "); line != "" {
				lines = append(lines, line)
			}
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return lines
}

// collectDefinitionLists walks dt/dd pairs into fields.
func collectDefinitionLists(n *html.Node, fields map[string]string) {
	if n.Type == html.ElementNode && n.Data == "dt" {
		label := strings.ToLower(nodeText(n))
		if key, ok := customFieldLabels[label]; ok {
			if dd := nextElement(n, "dd"); dd != nil {
				if _, seen := fields[key]; !seen {
					fields[key] = nodeText(dd)
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectDefinitionLists(c, fields)
	}
}

// nextElement returns the next sibling element with the given tag, skipping
// text nodes.
func nextElement(n *html.Node, tag string) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			if s.Data == tag {
				return s
			}
			return nil
		}
	}
	return nil
}
