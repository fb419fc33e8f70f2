package enrichment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// idoxFieldLabels maps the detail-tab row labels to output keys.
var idoxFieldLabels = map[string]string{
	"applicant name":            "applicant_name",
	"agent name":                "agent_name",
	"ward":                      "ward",
	"decision date":             "decided_date",
	"number of documents":       "n_documents",
	"statutory period":          "n_statutory_days",
	"target determination date": "target_determination_date",
}

// IdoxFetcher extracts applicant/agent details from Idox Public Access
// portals via a single static HTML fetch.
type IdoxFetcher struct {
	httpClient *http.Client
}

// NewIdoxFetcher creates a fetcher with the given HTTP client. A nil client
// gets a 30s-timeout default.
func NewIdoxFetcher(httpClient *http.Client) *IdoxFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &IdoxFetcher{httpClient: httpClient}
}

// detailsURL rewrites an Idox application URL to the details tab.
func detailsURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse portal url: %w", err)
	}
	q := u.Query()
	q.Set("activeTab", "details")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch downloads the details tab and extracts the labeled fields.
func (f *IdoxFetcher) Fetch(ctx context.Context, rawURL string) (map[string]string, error) {
	target, err := detailsURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "PlanningExplorer/1.0 (+https://planningexplorer.co.uk)")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch portal page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal returned HTTP %d", resp.StatusCode)
	}
	return ParseIdoxDetails(resp.Body)
}

// ParseIdoxDetails walks the HTML tree collecting <th>label</th><td>value</td>
// row pairs and returns the recognized fields keyed by output name.
func ParseIdoxDetails(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse portal html: %w", err)
	}

	fields := make(map[string]string)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			label, value := rowPair(n)
			if key, ok := idoxFieldLabels[strings.ToLower(label)]; ok {
				if _, seen := fields[key]; !seen && value != "" {
					fields[key] = value
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return fields, nil
}

// rowPair extracts the first th/td text pair inside a table row.
func rowPair(tr *html.Node) (label, value string) {
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "th":
			if label == "" {
				label = nodeText(c)
			}
		case "td":
			if value == "" {
				value = nodeText(c)
			}
		}
	}
	return strings.TrimSpace(label), strings.TrimSpace(value)
}

// nodeText concatenates the text content beneath a node, whitespace-collapsed.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// parseIntField parses numeric portal fields like "21 days" or "14".
func parseIntField(value string) (int, bool) {
	for _, token := range strings.Fields(value) {
		if n, err := strconv.Atoi(token); err == nil {
			return n, true
		}
	}
	return 0, false
}
