package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Intent classifies what the user is trying to do with a free-text query.
type Intent string

// Query intents.
const (
	IntentSearch  Intent = "search"
	IntentFilter  Intent = "filter"
	IntentCompare Intent = "compare"
	IntentAnalyze Intent = "analyze"
	IntentExplore Intent = "explore"
)

// ParsedQuery is the structured form of a natural-language query together
// with the Elasticsearch body it compiles to.
type ParsedQuery struct {
	Intent             Intent          `json:"intent"`
	QueryType          string          `json:"query_type"`
	Keywords           []string        `json:"keywords,omitempty"`
	Filters            QueryFilters    `json:"filters"`
	ConfidenceScore    float64         `json:"confidence_score"`
	Suggestions        []string        `json:"suggestions,omitempty"`
	ElasticsearchQuery json.RawMessage `json:"elasticsearch_query"`
}

// QueryFilters holds the filter tokens recognized in the query text.
type QueryFilters struct {
	Authorities      []string   `json:"authorities,omitempty"`
	Statuses         []string   `json:"statuses,omitempty"`
	DevelopmentTypes []string   `json:"development_types,omitempty"`
	Postcode         string     `json:"postcode,omitempty"`
	DateFrom         *time.Time `json:"date_from,omitempty"`
	DateTo           *time.Time `json:"date_to,omitempty"`
	MinValue         *float64   `json:"min_value,omitempty"`
	MaxValue         *float64   `json:"max_value,omitempty"`
	MinUnits         *int       `json:"min_units,omitempty"`
}

// QueryParser turns free text into a ParsedQuery. Parsing is fully
// deterministic: the same input always yields the same ES body.
type QueryParser struct {
	authorities map[string]string // lowercase alias -> canonical name
	now         func() time.Time
}

// NewQueryParser creates a parser with the built-in authority registry.
func NewQueryParser() *QueryParser {
	return &QueryParser{
		authorities: defaultAuthorityAliases(),
		now:         time.Now,
	}
}

// defaultAuthorityAliases maps common spellings to canonical authority names.
func defaultAuthorityAliases() map[string]string {
	canonical := []string{
		"Manchester", "Birmingham", "Leeds", "Liverpool", "Bristol",
		"Sheffield", "Newcastle", "Nottingham", "Cardiff", "Edinburgh",
		"Glasgow", "Westminster", "Camden", "Hackney", "Islington",
		"Southwark", "Lambeth", "Tower Hamlets", "Brighton", "Oxford",
		"Cambridge", "York", "Bath", "Exeter", "Plymouth",
	}
	aliases := make(map[string]string, len(canonical)+2)
	for _, name := range canonical {
		aliases[strings.ToLower(name)] = name
	}
	aliases["london"] = "Westminster"
	aliases["tower hamlets"] = "Tower Hamlets"
	return aliases
}

var statusAliases = map[string]string{
	"approved":  "approved",
	"granted":   "approved",
	"permitted": "approved",
	"rejected":  "rejected",
	"refused":   "rejected",
	"denied":    "rejected",
	"pending":   "under_consideration",
	"submitted": "submitted",
	"withdrawn": "withdrawn",
	"appealed":  "appealed",
	"appeal":    "appealed",
}

var developmentTypeAliases = map[string]string{
	"residential": "residential",
	"housing":     "residential",
	"homes":       "residential",
	"flats":       "residential",
	"apartments":  "residential",
	"commercial":  "commercial",
	"office":      "commercial",
	"offices":     "commercial",
	"retail":      "commercial",
	"shop":        "commercial",
	"industrial":  "industrial",
	"warehouse":   "industrial",
	"extension":   "extension",
	"extensions":  "extension",
	"householder": "householder",
	"mixed use":   "mixed_use",
	"mixed-use":   "mixed_use",
}

var intentCues = []struct {
	intent Intent
	cues   []string
}{
	{IntentCompare, []string{"compare", "versus", " vs ", "difference between"}},
	{IntentAnalyze, []string{"analyze", "analyse", "trend", "trends", "statistics", "approval rate", "how many", "average"}},
	{IntentExplore, []string{"explore", "browse", "show me around", "what's happening", "whats happening"}},
	{IntentFilter, []string{"filter", "only", "just the", "with status", "approved", "rejected", "refused", "pending", "withdrawn"}},
}

var (
	postcodeRe = regexp.MustCompile(`(?i)\b([A-Z]{1,2}\d{1,2}[A-Z]?)\s*(\d[A-Z]{2})?\b`)
	valueRe    = regexp.MustCompile(`(?i)(over|above|more than|under|below|less than)\s*£\s*([\d.,]+)\s*(m|million|k|thousand)?`)
	unitsRe    = regexp.MustCompile(`(?i)(?:over|above|more than|at least)\s*(\d+)\s*(?:units|homes|dwellings|houses|flats)`)
	sinceRe    = regexp.MustCompile(`(?i)\bsince\s+(\d{4})\b`)
)

// Parse analyzes the query text and compiles the Elasticsearch body.
func (p *QueryParser) Parse(query string) (*ParsedQuery, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, fmt.Errorf("empty query")
	}

	lower := strings.ToLower(trimmed)
	parsed := &ParsedQuery{
		Intent:    p.classifyIntent(lower),
		QueryType: "text",
	}

	consumed := map[string]bool{}
	p.extractAuthorities(lower, &parsed.Filters, consumed)
	p.extractStatuses(lower, &parsed.Filters, consumed)
	p.extractDevelopmentTypes(lower, &parsed.Filters, consumed)
	p.extractPostcode(trimmed, &parsed.Filters, consumed)
	p.extractDates(lower, &parsed.Filters, consumed)
	p.extractValues(lower, &parsed.Filters, consumed)

	// Registry maps iterate in random order; keep the emitted body stable.
	sort.Strings(parsed.Filters.Authorities)
	sort.Strings(parsed.Filters.Statuses)
	sort.Strings(parsed.Filters.DevelopmentTypes)

	parsed.Keywords = residualKeywords(lower, consumed)
	if len(parsed.Keywords) == 0 && hasFilters(parsed.Filters) {
		parsed.QueryType = "filter"
		if parsed.Intent == IntentSearch {
			parsed.Intent = IntentFilter
		}
	}

	parsed.ConfidenceScore = p.confidence(parsed)
	parsed.Suggestions = p.suggestions(parsed)

	body, err := compileESQuery(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	parsed.ElasticsearchQuery = body
	return parsed, nil
}

func (p *QueryParser) classifyIntent(lower string) Intent {
	for _, entry := range intentCues {
		for _, cue := range entry.cues {
			if strings.Contains(lower, cue) {
				return entry.intent
			}
		}
	}
	return IntentSearch
}

func (p *QueryParser) extractAuthorities(lower string, f *QueryFilters, consumed map[string]bool) {
	for alias, canonical := range p.authorities {
		if containsWord(lower, alias) {
			f.Authorities = appendUnique(f.Authorities, canonical)
			consumed[alias] = true
		}
	}
}

func (p *QueryParser) extractStatuses(lower string, f *QueryFilters, consumed map[string]bool) {
	for alias, canonical := range statusAliases {
		if containsWord(lower, alias) {
			f.Statuses = appendUnique(f.Statuses, canonical)
			consumed[alias] = true
		}
	}
}

func (p *QueryParser) extractDevelopmentTypes(lower string, f *QueryFilters, consumed map[string]bool) {
	for alias, canonical := range developmentTypeAliases {
		if containsWord(lower, alias) {
			f.DevelopmentTypes = appendUnique(f.DevelopmentTypes, canonical)
			consumed[alias] = true
		}
	}
}

func (p *QueryParser) extractPostcode(original string, f *QueryFilters, consumed map[string]bool) {
	m := postcodeRe.FindStringSubmatch(original)
	if m == nil {
		return
	}
	// Bare short tokens like "M1" are too ambiguous without the inward part
	// unless the outward code has a letter area of length 2.
	outward := strings.ToUpper(m[1])
	if m[2] == "" && len(outward) < 3 {
		return
	}
	code := outward
	if m[2] != "" {
		code += " " + strings.ToUpper(m[2])
	}
	f.Postcode = code
	consumed[strings.ToLower(m[0])] = true
}

func (p *QueryParser) extractDates(lower string, f *QueryFilters, consumed map[string]bool) {
	now := p.now().UTC()
	setRange := func(from time.Time, phrase string) {
		f.DateFrom = &from
		consumed[phrase] = true
	}

	switch {
	case strings.Contains(lower, "last month"):
		setRange(now.AddDate(0, -1, 0), "last month")
	case strings.Contains(lower, "last quarter"):
		setRange(now.AddDate(0, -3, 0), "last quarter")
	case strings.Contains(lower, "last year"):
		setRange(now.AddDate(-1, 0, 0), "last year")
	case strings.Contains(lower, "this year"):
		setRange(time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC), "this year")
	case strings.Contains(lower, "this month"):
		setRange(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), "this month")
	}

	if m := sinceRe.FindStringSubmatch(lower); m != nil {
		if year, err := strconv.Atoi(m[1]); err == nil {
			from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
			f.DateFrom = &from
			consumed[strings.ToLower(m[0])] = true
		}
	}
}

func (p *QueryParser) extractValues(lower string, f *QueryFilters, consumed map[string]bool) {
	if m := valueRe.FindStringSubmatch(lower); m != nil {
		raw := strings.ReplaceAll(m[2], ",", "")
		amount, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			switch strings.ToLower(m[3]) {
			case "m", "million":
				amount *= 1_000_000
			case "k", "thousand":
				amount *= 1_000
			}
			switch strings.ToLower(m[1]) {
			case "over", "above", "more than":
				f.MinValue = &amount
			default:
				f.MaxValue = &amount
			}
			consumed[strings.ToLower(m[0])] = true
		}
	}

	if m := unitsRe.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			f.MinUnits = &n
			consumed[strings.ToLower(m[0])] = true
		}
	}
}

// residualKeywords returns the tokens left over after filter extraction,
// minus stopwords. These drive the multi_match clause.
func residualKeywords(lower string, consumed map[string]bool) []string {
	phrases := make([]string, 0, len(consumed))
	for phrase := range consumed {
		phrases = append(phrases, phrase)
	}
	sort.Slice(phrases, func(i, j int) bool {
		if len(phrases[i]) != len(phrases[j]) {
			return len(phrases[i]) > len(phrases[j])
		}
		return phrases[i] < phrases[j]
	})

	working := lower
	for _, phrase := range phrases {
		working = strings.ReplaceAll(working, phrase, " ")
	}

	var keywords []string
	for _, token := range strings.Fields(working) {
		token = strings.Trim(token, ".,;:!?()£$")
		if len(token) < 3 || stopwords[token] {
			continue
		}
		keywords = appendUnique(keywords, token)
	}
	return keywords
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "near": true,
	"all": true, "any": true, "are": true, "was": true, "were": true,
	"applications": true, "application": true, "planning": true,
	"show": true, "find": true, "search": true, "list": true, "get": true,
	"that": true, "this": true, "from": true, "into": true, "over": true,
	"under": true, "more": true, "than": true, "about": true,
}

func hasFilters(f QueryFilters) bool {
	return len(f.Authorities) > 0 || len(f.Statuses) > 0 || len(f.DevelopmentTypes) > 0 ||
		f.Postcode != "" || f.DateFrom != nil || f.DateTo != nil ||
		f.MinValue != nil || f.MaxValue != nil || f.MinUnits != nil
}

// confidence reflects how much of the query the parser accounted for.
func (p *QueryParser) confidence(parsed *ParsedQuery) float64 {
	score := 0.4
	if hasFilters(parsed.Filters) {
		score += 0.3
	}
	if len(parsed.Keywords) > 0 {
		score += 0.2
	}
	if parsed.Intent != IntentSearch {
		score += 0.1
	}
	return clip01(score)
}

func (p *QueryParser) suggestions(parsed *ParsedQuery) []string {
	var out []string
	if len(parsed.Filters.Authorities) == 0 {
		out = append(out, "add an authority, e.g. \"in Manchester\"")
	}
	if parsed.Filters.DateFrom == nil {
		out = append(out, "narrow by time, e.g. \"last quarter\"")
	}
	if len(parsed.Filters.Statuses) == 0 {
		out = append(out, "restrict by status, e.g. \"approved\"")
	}
	return out
}

// compileESQuery emits the bool/multi_match Elasticsearch body for a parsed
// query. The emission is deterministic: clauses appear in a fixed order.
func compileESQuery(parsed *ParsedQuery) (json.RawMessage, error) {
	var must []map[string]any
	var filter []map[string]any

	if len(parsed.Keywords) > 0 {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  strings.Join(parsed.Keywords, " "),
				"fields": []string{"description^2", "address", "development_type"},
				"type":   "best_fields",
			},
		})
	}

	f := parsed.Filters
	if len(f.Authorities) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"authority": f.Authorities}})
	}
	if len(f.Statuses) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"status": f.Statuses}})
	}
	if len(f.DevelopmentTypes) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"development_type": f.DevelopmentTypes}})
	}
	if f.Postcode != "" {
		filter = append(filter, map[string]any{"prefix": map[string]any{"postcode": f.Postcode}})
	}
	if f.DateFrom != nil || f.DateTo != nil {
		rng := map[string]any{}
		if f.DateFrom != nil {
			rng["gte"] = f.DateFrom.Format("2006-01-02")
		}
		if f.DateTo != nil {
			rng["lte"] = f.DateTo.Format("2006-01-02")
		}
		filter = append(filter, map[string]any{"range": map[string]any{"submission_date": rng}})
	}
	if f.MinValue != nil || f.MaxValue != nil {
		rng := map[string]any{}
		if f.MinValue != nil {
			rng["gte"] = *f.MinValue
		}
		if f.MaxValue != nil {
			rng["lte"] = *f.MaxValue
		}
		filter = append(filter, map[string]any{"range": map[string]any{"project_value": rng}})
	}
	if f.MinUnits != nil {
		filter = append(filter, map[string]any{"range": map[string]any{"num_units": map[string]any{"gte": *f.MinUnits}}})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(boolQuery) == 0 {
		boolQuery["must"] = []map[string]any{{"match_all": map[string]any{}}}
	}

	return json.Marshal(map[string]any{"bool": boolQuery})
}

func containsWord(haystack, needle string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], needle)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(needle)
		beforeOK := start == 0 || !isWordByte(haystack[start-1])
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
