package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/cache"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
)

// namedCenter is one entry of the location slug registry.
type namedCenter struct {
	Name string
	Lat  float64
	Lon  float64
}

// locationRegistry maps URL slugs to city centers for radius statistics.
var locationRegistry = map[string]namedCenter{
	"london":     {Name: "London", Lat: 51.5074, Lon: -0.1278},
	"manchester": {Name: "Manchester", Lat: 53.4808, Lon: -2.2426},
	"birmingham": {Name: "Birmingham", Lat: 52.4862, Lon: -1.8904},
	"leeds":      {Name: "Leeds", Lat: 53.8008, Lon: -1.5491},
	"liverpool":  {Name: "Liverpool", Lat: 53.4084, Lon: -2.9916},
	"bristol":    {Name: "Bristol", Lat: 51.4545, Lon: -2.5879},
	"sheffield":  {Name: "Sheffield", Lat: 53.3811, Lon: -1.4701},
	"newcastle":  {Name: "Newcastle", Lat: 54.9783, Lon: -1.6178},
	"nottingham": {Name: "Nottingham", Lat: 52.9548, Lon: -1.1581},
	"cardiff":    {Name: "Cardiff", Lat: 51.4816, Lon: -3.1791},
	"edinburgh":  {Name: "Edinburgh", Lat: 55.9533, Lon: -3.1883},
	"glasgow":    {Name: "Glasgow", Lat: 55.8642, Lon: -4.2518},
	"cambridge":  {Name: "Cambridge", Lat: 52.2053, Lon: 0.1218},
	"oxford":     {Name: "Oxford", Lat: 51.7520, Lon: -1.2577},
	"brighton":   {Name: "Brighton", Lat: 50.8225, Lon: -0.1372},
}

// LocationStats is the per-area statistics response.
type LocationStats struct {
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Lat          float64        `json:"lat"`
	Lon          float64        `json:"lon"`
	RadiusKm     float64        `json:"radius_km"`
	Period       string         `json:"period"`
	Overview     Overview       `json:"overview"`
	MonthlyTrend []MonthlyPoint `json:"monthly_trend"`
	TopSectors   []LeagueEntry  `json:"top_sectors"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

const locationStatsTTL = time.Hour

// LocationStats resolves a location slug and runs the trends aggregation set
// within the given radius. Results are cached for an hour.
func (s *Service) LocationStats(ctx context.Context, slug string, radiusKm float64, period string) (*LocationStats, error) {
	center, ok := locationRegistry[slug]
	if !ok {
		return nil, domain.NotFoundError("UNKNOWN_LOCATION",
			fmt.Sprintf("location %q is not in the registry", slug))
	}
	if radiusKm <= 0 {
		radiusKm = 10
	}

	now := time.Now().UTC()
	from, to, err := periodBounds(period, now)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("location:%s:%.1f:%s:%s",
		slug, radiusKm, from.Format("2006-01-02"), to.Format("2006-01-02"))
	var cached LocationStats
	if s.cache != nil && s.cache.Get(key, cache.TypeSearchResults, &cached) {
		return &cached, nil
	}

	scope := &Filters{Lat: &center.Lat, Lon: &center.Lon, RadiusKm: &radiusKm}
	aggs, err := s.runTrendAggs(ctx, "development_type", from, to, scope)
	if err != nil {
		return nil, err
	}

	stats := &LocationStats{
		Slug:        slug,
		Name:        center.Name,
		Lat:         center.Lat,
		Lon:         center.Lon,
		RadiusKm:    radiusKm,
		Period:      period,
		Overview:    aggs.overview,
		GeneratedAt: now,
	}
	for _, bucket := range aggs.monthlyBuckets {
		stats.MonthlyTrend = append(stats.MonthlyTrend, MonthlyPoint{
			Month:    bucket.KeyAsString,
			Total:    bucket.DocCount,
			Approved: bucket.Approved.DocCount,
			Rejected: bucket.Rejected.DocCount,
			Pending:  bucket.Pending.DocCount,
		})
	}
	for i, bucket := range aggs.leagueBuckets {
		entry := LeagueEntry{
			Rank:            i + 1,
			Name:            bucket.Key,
			Applications:    bucket.DocCount,
			AvgDecisionDays: bucket.AvgDays.Value,
		}
		if decided := bucket.Approved.DocCount + bucket.Rejected.DocCount; decided > 0 {
			entry.ApprovalRate = float64(bucket.Approved.DocCount) / float64(decided)
		}
		stats.TopSectors = append(stats.TopSectors, entry)
	}

	if s.cache != nil {
		s.cache.Set(key, stats, cache.TypeSearchResults, locationStatsTTL, nil)
	}
	return stats, nil
}

// Suggestions returns prefix completions for the search box from the
// authority and development-type registries plus live description matches.
func (s *Service) Suggestions(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 || limit > 20 {
		limit = 10
	}
	if len(prefix) < 2 {
		return nil, nil
	}

	slugs := make([]string, 0, len(locationRegistry))
	for slug := range locationRegistry {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	suggestions := make([]string, 0, limit)
	for _, slug := range slugs {
		if len(suggestions) >= limit {
			break
		}
		center := locationRegistry[slug]
		if hasPrefixFold(center.Name, prefix) || hasPrefixFold(slug, prefix) {
			suggestions = append(suggestions, center.Name)
		}
	}
	if len(suggestions) >= limit {
		return suggestions[:limit], nil
	}

	size := limit - len(suggestions)
	resp, err := s.gateway.Search(ctx, es.SearchRequest{
		Query: map[string]any{
			"match_phrase_prefix": map[string]any{"description": prefix},
		},
		Size:           &size,
		SourceIncludes: []string{"development_type"},
	})
	if err != nil {
		// Registry suggestions are still useful without the index.
		return suggestions, nil
	}

	seen := make(map[string]bool, len(suggestions))
	for _, v := range suggestions {
		seen[v] = true
	}
	for _, hit := range resp.Hits.Hits {
		var doc struct {
			DevelopmentType string `json:"development_type"`
		}
		if err := json.Unmarshal(hit.Source, &doc); err != nil || doc.DevelopmentType == "" {
			continue
		}
		if !seen[doc.DevelopmentType] {
			seen[doc.DevelopmentType] = true
			suggestions = append(suggestions, doc.DevelopmentType)
		}
	}
	return suggestions, nil
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return strings.EqualFold(s[:len(prefix)], prefix)
}
