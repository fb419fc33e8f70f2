// Package enrichment extracts applicant/agent metadata from council planning
// portals: static HTML for known portal software, headless-browser plus LLM
// extraction for unknown ones.
package enrichment

import (
	"net/url"
	"regexp"
	"strings"
)

// PortalType identifies the portal software behind an application URL.
type PortalType string

// Portal types.
const (
	PortalIdoxPublicAccess PortalType = "idox_public_access"
	PortalKnownCustom      PortalType = "known_custom"
	PortalUnknown          PortalType = "unknown"
)

var idoxHostRe = regexp.MustCompile(`(?i)^publicaccess\..*\.gov\.uk$`)

// knownCustomHosts lists council portals with bespoke but stable markup that
// the labeled-field extractor handles without a browser.
var knownCustomHosts = map[string]bool{
	"planning.london.gov.uk":           true,
	"planningregister.cherwell.gov.uk": true,
	"planning.agileapplications.co.uk": true,
	"pa.manchester.gov.uk":             true,
	"planningonline.cardiff.gov.uk":    true,
}

// DetectPortalType classifies a planning portal URL.
func DetectPortalType(rawURL string) PortalType {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return PortalUnknown
	}
	host := strings.ToLower(u.Hostname())

	if idoxHostRe.MatchString(host) && strings.Contains(u.Path, "/online-applications") {
		return PortalIdoxPublicAccess
	}
	if knownCustomHosts[host] {
		return PortalKnownCustom
	}
	return PortalUnknown
}

var (
	naValueRe    = regexp.MustCompile(`(?i)^(n/?a|not available|not applicable|none|null|unknown|-+|—+)$`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	scriptHintRe = regexp.MustCompile(`(?i)(function\s*\(|javascript:|var\s+\w+\s*=|</?script)`)
	allowedRunRe = regexp.MustCompile(`[a-zA-Z0-9 '\-.,()]`)
)

// CleanValue validates and normalizes one extracted field value. It returns
// the cleaned value and whether it passed validation.
func CleanValue(label, raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	if naValueRe.MatchString(value) {
		return "", false
	}
	if len(value) < 2 || len(value) > 200 {
		return "", false
	}
	if htmlTagRe.MatchString(value) || scriptHintRe.MatchString(value) {
		return "", false
	}
	if label != "" && strings.Contains(strings.ToLower(value), strings.ToLower(label)) {
		return "", false
	}

	// Reject values dominated by punctuation or control noise.
	allowed := len(allowedRunRe.FindAllString(value, -1))
	if float64(len(value)-allowed) > 0.3*float64(len(value)) {
		return "", false
	}
	return value, true
}
