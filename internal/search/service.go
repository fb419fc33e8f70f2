// Package search compiles caller requests into Elasticsearch query bodies
// and shapes the responses: text, filtered, semantic, and natural-language
// search plus aggregations, trends, and location statistics.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/ai"
	"github.com/planning-explorer/planning-explorer/internal/cache"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

const (
	maxPageSize = 100
	maxKNNK     = 100
)

// Filters holds the recognized filter options. Anything else a caller sends
// is ignored by construction.
type Filters struct {
	Authorities      []string `json:"authorities,omitempty"`
	Statuses         []string `json:"statuses,omitempty"`
	DevelopmentTypes []string `json:"development_types,omitempty"`
	ApplicationTypes []string `json:"application_types,omitempty"`
	Decisions        []string `json:"decisions,omitempty"`
	Postcode         string   `json:"postcode,omitempty"`

	SubmissionDateFrom *time.Time `json:"submission_date_from,omitempty"`
	SubmissionDateTo   *time.Time `json:"submission_date_to,omitempty"`
	DecisionDateFrom   *time.Time `json:"decision_date_from,omitempty"`
	DecisionDateTo     *time.Time `json:"decision_date_to,omitempty"`

	OpportunityScoreMin    *int     `json:"opportunity_score_min,omitempty"`
	OpportunityScoreMax    *int     `json:"opportunity_score_max,omitempty"`
	ApprovalProbabilityMin *float64 `json:"approval_probability_min,omitempty"`
	ApprovalProbabilityMax *float64 `json:"approval_probability_max,omitempty"`
	ProjectValueMin        *float64 `json:"project_value_min,omitempty"`
	ProjectValueMax        *float64 `json:"project_value_max,omitempty"`

	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	RadiusKm *float64 `json:"radius_km,omitempty"`
}

// Request is a text/filtered search request.
type Request struct {
	Query           string  `json:"query"`
	Filters         Filters `json:"filters"`
	SortBy          string  `json:"sort_by"`
	SortOrder       string  `json:"sort_order"`
	Page            int     `json:"page"`
	PageSize        int     `json:"page_size"`
	IncludeAIFields bool    `json:"include_ai_fields"`
}

// Hit is one shaped search result.
type Hit struct {
	Application     domain.PlanningApplication `json:"application"`
	Score           *float64                   `json:"score,omitempty"`
	SimilarityScore *float64                   `json:"similarity_score,omitempty"`
}

// Response is a shaped search response.
type Response struct {
	Hits          []Hit           `json:"hits"`
	Total         int64           `json:"total"`
	TotalRelation string          `json:"total_relation"`
	TotalPages    int             `json:"total_pages"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
	TookMs        int             `json:"took_ms"`
	SearchKind    string          `json:"search_kind"`
	ParsedQuery   *ai.ParsedQuery `json:"parsed_query,omitempty"`
}

// Service executes searches against the gateway.
type Service struct {
	gateway  es.Gateway
	embedder embedding.Embedder
	parser   *ai.QueryParser
	cache    *cache.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewService creates a search service. embedder may be nil, which disables
// semantic search.
func NewService(gateway es.Gateway, embedder embedding.Embedder, parser *ai.QueryParser, cacheManager *cache.Manager, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		gateway:  gateway,
		embedder: embedder,
		parser:   parser,
		cache:    cacheManager,
		logger:   logger.WithComponent("search"),
		metrics:  metrics,
	}
}

// observe records one search against the request counters.
func (s *Service) observe(kind string, started time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SearchRequests.WithLabelValues(kind).Inc()
	s.metrics.SearchDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

var sortFields = map[string]string{
	"relevance":            "_score",
	"submission_date":      "submission_date",
	"decision_date":        "decision_date",
	"opportunity_score":    "opportunity_score",
	"approval_probability": "approval_probability",
	"project_value":        "project_value",
}

// validate normalizes pagination and sort options.
func (r *Request) validate() error {
	if r.Page <= 0 {
		r.Page = 1
	}
	if r.PageSize <= 0 {
		r.PageSize = 20
	}
	if r.PageSize > maxPageSize {
		return domain.ValidationError("PAGE_SIZE_TOO_LARGE",
			fmt.Sprintf("page_size %d exceeds maximum %d", r.PageSize, maxPageSize))
	}
	if r.SortBy == "" {
		r.SortBy = "relevance"
	}
	if _, ok := sortFields[r.SortBy]; !ok {
		return domain.ValidationError("INVALID_SORT",
			fmt.Sprintf("unknown sort_by %q", r.SortBy))
	}
	if r.SortOrder == "" {
		r.SortOrder = "desc"
	}
	if r.SortOrder != "asc" && r.SortOrder != "desc" {
		return domain.ValidationError("INVALID_SORT",
			fmt.Sprintf("unknown sort_order %q", r.SortOrder))
	}
	return nil
}

// Search runs a text/filtered search.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	esReq := es.SearchRequest{
		Query:          compileQuery(req.Query, req.Filters),
		Sort:           compileSort(req.SortBy, req.SortOrder),
		SourceExcludes: sourceExcludes(req.IncludeAIFields),
		TrackTotalHits: true,
	}
	size := req.PageSize
	esReq.From = (req.Page - 1) * req.PageSize
	esReq.Size = &size

	resp, err := s.gateway.Search(ctx, esReq)
	if err != nil {
		return nil, err
	}

	s.observe("text", started)
	return shapeResponse(resp, req.Page, req.PageSize, "text", false), nil
}

// SemanticSearch embeds the query and runs a kNN search on the description
// vector.
func (s *Service) SemanticSearch(ctx context.Context, query string, k int, filters *Filters) (*Response, error) {
	if s.embedder == nil {
		return nil, semanticUnavailable(fmt.Errorf("no embedding service configured"))
	}
	if k <= 0 {
		k = 10
	}
	if k > maxKNNK {
		return nil, domain.ValidationError("K_TOO_LARGE",
			fmt.Sprintf("k %d exceeds maximum %d", k, maxKNNK))
	}

	started := time.Now()
	result, err := s.embedder.GenerateTextEmbedding(ctx, query)
	if err != nil {
		return nil, semanticUnavailable(err)
	}
	if result.ConfidenceScore == 0 {
		return nil, domain.ValidationError("QUERY_TOO_SHORT", "query too short for semantic search")
	}

	numCandidates := 10 * k
	if numCandidates < 100 {
		numCandidates = 100
	}
	knn := map[string]any{
		"field":          "description_embedding",
		"query_vector":   result.Embedding,
		"k":              k,
		"num_candidates": numCandidates,
	}
	if filters != nil {
		if clauses := filterClauses(*filters); len(clauses) > 0 {
			knn["filter"] = map[string]any{"bool": map[string]any{"filter": clauses}}
		}
	}

	size := k
	resp, err := s.gateway.Search(ctx, es.SearchRequest{
		KNN:            knn,
		Size:           &size,
		SourceExcludes: sourceExcludes(true),
		TrackTotalHits: true,
	})
	if err != nil {
		return nil, err
	}

	s.observe("semantic", started)
	return shapeResponse(resp, 1, k, "semantic", true), nil
}

// NaturalLanguageSearch parses free text and routes to semantic or compiled
// search.
func (s *Service) NaturalLanguageSearch(ctx context.Context, query string, k int, filters *Filters) (*Response, error) {
	parsed, err := s.parser.Parse(query)
	if err != nil {
		return nil, domain.ValidationError("UNPARSEABLE_QUERY", err.Error())
	}

	semanticIntent := parsed.Intent == ai.IntentSearch || parsed.Intent == ai.IntentExplore
	if semanticIntent && s.embedder != nil && len(parsed.Keywords) > 0 {
		resp, err := s.SemanticSearch(ctx, query, k, filters)
		if err == nil {
			resp.SearchKind = "natural_language_semantic"
			resp.ParsedQuery = parsed
			return resp, nil
		}
		s.logger.Warn().Err(err).Msg("semantic path failed, falling back to compiled query")
	}

	started := time.Now()
	var compiled map[string]any
	if err := json.Unmarshal(parsed.ElasticsearchQuery, &compiled); err != nil {
		return nil, fmt.Errorf("decode compiled query: %w", err)
	}
	query2 := map[string]any{"bool": compiled["bool"]}
	if filters != nil {
		if clauses := filterClauses(*filters); len(clauses) > 0 {
			boolPart, _ := query2["bool"].(map[string]any)
			existing, _ := boolPart["filter"].([]any)
			for _, clause := range clauses {
				existing = append(existing, clause)
			}
			boolPart["filter"] = existing
		}
	}

	size := k
	if size <= 0 {
		size = 20
	}
	resp, err := s.gateway.Search(ctx, es.SearchRequest{
		Query:          query2,
		Size:           &size,
		SourceExcludes: sourceExcludes(true),
		TrackTotalHits: true,
	})
	if err != nil {
		return nil, err
	}

	s.observe("natural_language", started)
	shaped := shapeResponse(resp, 1, size, "natural_language", false)
	shaped.ParsedQuery = parsed
	return shaped, nil
}

// Similar finds applications like the given one: kNN on its stored
// description vector when present, more_like_this otherwise.
func (s *Service) Similar(ctx context.Context, applicationID string, k int) (*Response, error) {
	if k <= 0 {
		k = 10
	}
	if k > maxKNNK {
		k = maxKNNK
	}

	source, err := s.gateway.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	var app domain.PlanningApplication
	if err := json.Unmarshal(source, &app); err != nil {
		return nil, fmt.Errorf("decode application: %w", err)
	}

	size := k
	var esReq es.SearchRequest
	kind := "similar_text"
	if len(app.DescriptionEmbedding) > 0 {
		kind = "similar_vector"
		numCandidates := 10 * k
		if numCandidates < 100 {
			numCandidates = 100
		}
		esReq = es.SearchRequest{
			KNN: map[string]any{
				"field":          "description_embedding",
				"query_vector":   app.DescriptionEmbedding,
				"k":              k + 1, // the document itself will match
				"num_candidates": numCandidates,
			},
			Size: &size,
		}
	} else {
		esReq = es.SearchRequest{
			Query: map[string]any{
				"more_like_this": map[string]any{
					"fields": []string{"description", "development_type"},
					"like":   app.Description,
				},
			},
			Size: &size,
		}
	}
	esReq.SourceExcludes = sourceExcludes(true)

	resp, err := s.gateway.Search(ctx, esReq)
	if err != nil {
		return nil, err
	}

	shaped := shapeResponse(resp, 1, k, kind, kind == "similar_vector")
	// Drop the source document from its own similarity list.
	kept := shaped.Hits[:0]
	for _, hit := range shaped.Hits {
		if hit.Application.ApplicationID != applicationID {
			kept = append(kept, hit)
		}
	}
	shaped.Hits = kept
	if len(shaped.Hits) > k {
		shaped.Hits = shaped.Hits[:k]
	}
	return shaped, nil
}

// semanticUnavailable wraps embedding failures in the error the HTTP layer
// maps to 503 with a retry suggestion.
func semanticUnavailable(err error) error {
	return domain.WrapError(domain.KindAIServiceUnavailable, "SEMANTIC_SEARCH_UNAVAILABLE",
		"semantic search is temporarily unavailable", err).
		WithSuggestion("retry with a standard keyword search")
}

// compileQuery builds the bool query: multi_match over the text fields plus
// filter clauses, match_all when both are empty.
func compileQuery(text string, filters Filters) map[string]any {
	var must []map[string]any
	if text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  text,
				"fields": []string{"description^3", "proposal^2", "address^2", "ai_summary"},
				"type":   "best_fields",
			},
		})
	}

	clauses := filterClauses(filters)
	if len(must) == 0 && len(clauses) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(clauses) > 0 {
		boolQuery["filter"] = clauses
	}
	return map[string]any{"bool": boolQuery}
}

// filterClauses maps the recognized filters to ES clauses in a fixed order.
func filterClauses(f Filters) []map[string]any {
	var clauses []map[string]any

	terms := func(field string, values []string) {
		if len(values) > 0 {
			clauses = append(clauses, map[string]any{"terms": map[string]any{field: values}})
		}
	}
	terms("authority", f.Authorities)
	terms("status", f.Statuses)
	terms("development_type", f.DevelopmentTypes)
	terms("application_type", f.ApplicationTypes)
	terms("decision", f.Decisions)

	if f.Postcode != "" {
		clauses = append(clauses, map[string]any{"prefix": map[string]any{"postcode": f.Postcode}})
	}

	dateRange := func(field string, from, to *time.Time) {
		if from == nil && to == nil {
			return
		}
		rng := map[string]any{}
		if from != nil {
			rng["gte"] = from.Format("2006-01-02")
		}
		if to != nil {
			rng["lte"] = to.Format("2006-01-02")
		}
		clauses = append(clauses, map[string]any{"range": map[string]any{field: rng}})
	}
	dateRange("submission_date", f.SubmissionDateFrom, f.SubmissionDateTo)
	dateRange("decision_date", f.DecisionDateFrom, f.DecisionDateTo)

	numRange := func(field string, min, max any, minSet, maxSet bool) {
		if !minSet && !maxSet {
			return
		}
		rng := map[string]any{}
		if minSet {
			rng["gte"] = min
		}
		if maxSet {
			rng["lte"] = max
		}
		clauses = append(clauses, map[string]any{"range": map[string]any{field: rng}})
	}
	numRange("opportunity_score", deref(f.OpportunityScoreMin), deref(f.OpportunityScoreMax),
		f.OpportunityScoreMin != nil, f.OpportunityScoreMax != nil)
	numRange("approval_probability", deref(f.ApprovalProbabilityMin), deref(f.ApprovalProbabilityMax),
		f.ApprovalProbabilityMin != nil, f.ApprovalProbabilityMax != nil)
	numRange("project_value", deref(f.ProjectValueMin), deref(f.ProjectValueMax),
		f.ProjectValueMin != nil, f.ProjectValueMax != nil)

	if f.Lat != nil && f.Lon != nil && f.RadiusKm != nil {
		clauses = append(clauses, map[string]any{
			"geo_distance": map[string]any{
				"distance": fmt.Sprintf("%.2fkm", *f.RadiusKm),
				"location": map[string]any{"lat": *f.Lat, "lon": *f.Lon},
			},
		})
	}
	return clauses
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func compileSort(sortBy, sortOrder string) []map[string]any {
	field := sortFields[sortBy]
	if field == "_score" {
		return nil // default relevance ordering
	}
	return []map[string]any{
		{field: map[string]any{"order": sortOrder, "missing": "_last"}},
	}
}

// sourceExcludes always drops the vector fields; withAIFields=false also
// drops the AI enrichments.
func sourceExcludes(withAIFields bool) []string {
	excludes := append([]string(nil), domain.VectorFields...)
	if !withAIFields {
		excludes = append(excludes, domain.AIFields...)
	}
	return excludes
}

func shapeResponse(resp *es.SearchResponse, page, pageSize int, kind string, similarity bool) *Response {
	shaped := &Response{
		Hits:          make([]Hit, 0, len(resp.Hits.Hits)),
		Total:         resp.Hits.Total.Value,
		TotalRelation: resp.Hits.Total.Relation,
		Page:          page,
		PageSize:      pageSize,
		TookMs:        resp.Took,
		SearchKind:    kind,
	}
	if pageSize > 0 {
		shaped.TotalPages = int((shaped.Total + int64(pageSize) - 1) / int64(pageSize))
	}
	for _, raw := range resp.Hits.Hits {
		var app domain.PlanningApplication
		if err := json.Unmarshal(raw.Source, &app); err != nil {
			continue
		}
		if app.ApplicationID == "" {
			app.ApplicationID = raw.ID
		}
		hit := Hit{Application: app, Score: raw.Score}
		if similarity {
			hit.SimilarityScore = raw.Score
		}
		shaped.Hits = append(shaped.Hits, hit)
	}
	return shaped
}
