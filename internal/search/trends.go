package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
)

// TrendType selects the league-table dimension of a trends dashboard.
type TrendType string

// Trend types.
const (
	TrendAuthorities TrendType = "authorities"
	TrendRegions     TrendType = "regions"
	TrendSectors     TrendType = "sectors"
	TrendAgents      TrendType = "agents"
)

var trendTermsField = map[TrendType]string{
	TrendAuthorities: "authority",
	TrendRegions:     "ward",
	TrendSectors:     "development_type",
	TrendAgents:      "agent.name",
}

// Overview is the dashboard headline block.
type Overview struct {
	TotalApplications int64   `json:"total_applications"`
	ApprovalRate      float64 `json:"approval_rate"`
	AvgDecisionDays   float64 `json:"avg_decision_days"`
	ActiveCount       int64   `json:"active_count"`
}

// MonthlyPoint is one month of the trend histogram.
type MonthlyPoint struct {
	Month    string `json:"month"`
	Total    int64  `json:"total"`
	Approved int64  `json:"approved"`
	Rejected int64  `json:"rejected"`
	Pending  int64  `json:"pending"`
}

// LeagueEntry is one row of the dashboard league table.
type LeagueEntry struct {
	Rank            int     `json:"rank"`
	Name            string  `json:"name"`
	Applications    int64   `json:"applications"`
	ApprovalRate    float64 `json:"approval_rate"`
	AvgDecisionDays float64 `json:"avg_decision_days"`
	Trend           string  `json:"trend"`
}

// Dashboard is the trends dashboard response.
type Dashboard struct {
	Type         TrendType      `json:"type"`
	Period       string         `json:"period"`
	Overview     Overview       `json:"overview"`
	MonthlyTrend []MonthlyPoint `json:"monthly_trend"`
	LeagueTable  []LeagueEntry  `json:"league_table"`
}

// Aggregations returns the pre-declared aggregation tree for the dashboard's
// landing view.
func (s *Service) Aggregations(ctx context.Context, filters *Filters) (map[string]json.RawMessage, error) {
	query := map[string]any{"match_all": map[string]any{}}
	if filters != nil {
		if clauses := filterClauses(*filters); len(clauses) > 0 {
			query = map[string]any{"bool": map[string]any{"filter": clauses}}
		}
	}

	zero := 0
	resp, err := s.gateway.Search(ctx, es.SearchRequest{
		Query: query,
		Size:  &zero,
		Aggs: map[string]any{
			"top_authorities":  map[string]any{"terms": map[string]any{"field": "authority", "size": 10}},
			"status_breakdown": map[string]any{"terms": map[string]any{"field": "status", "size": 10}},
			"monthly": map[string]any{"date_histogram": map[string]any{
				"field": "submission_date", "calendar_interval": "month",
			}},
			"decision_time_percentiles": map[string]any{"percentiles": map[string]any{
				"field": "n_statutory_days", "percents": []float64{50, 75, 95},
			}},
			"geographic": map[string]any{"terms": map[string]any{"field": "ward", "size": 20}},
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.Aggregations, nil
}

// periodBounds converts a named period to a [from, to) window.
func periodBounds(period string, now time.Time) (time.Time, time.Time, error) {
	switch period {
	case "last_month":
		return now.AddDate(0, -1, 0), now, nil
	case "last_quarter", "":
		return now.AddDate(0, -3, 0), now, nil
	case "last_year":
		return now.AddDate(-1, 0, 0), now, nil
	case "last_2_years":
		return now.AddDate(-2, 0, 0), now, nil
	default:
		return time.Time{}, time.Time{}, domain.ValidationError("INVALID_PERIOD",
			fmt.Sprintf("unknown period %q", period))
	}
}

// TrendsDashboard builds the overview, monthly trend, and league table for
// one dimension over one period.
func (s *Service) TrendsDashboard(ctx context.Context, trendType TrendType, period string, scope *Filters) (*Dashboard, error) {
	field, ok := trendTermsField[trendType]
	if !ok {
		return nil, domain.ValidationError("INVALID_TREND_TYPE",
			fmt.Sprintf("unknown trend type %q", trendType))
	}

	now := time.Now().UTC()
	from, to, err := periodBounds(period, now)
	if err != nil {
		return nil, err
	}

	current, err := s.runTrendAggs(ctx, field, from, to, scope)
	if err != nil {
		return nil, err
	}

	// Previous window of equal length, for the league-table trend column.
	previousFrom := from.Add(-to.Sub(from))
	previous, err := s.runTrendAggs(ctx, field, previousFrom, from, scope)
	if err != nil {
		return nil, err
	}
	previousVolumes := make(map[string]int64, len(previous.leagueBuckets))
	for _, bucket := range previous.leagueBuckets {
		previousVolumes[bucket.Key] = bucket.DocCount
	}

	dashboard := &Dashboard{
		Type:     trendType,
		Period:   period,
		Overview: current.overview,
	}
	for _, bucket := range current.monthlyBuckets {
		dashboard.MonthlyTrend = append(dashboard.MonthlyTrend, MonthlyPoint{
			Month:    bucket.KeyAsString,
			Total:    bucket.DocCount,
			Approved: bucket.Approved.DocCount,
			Rejected: bucket.Rejected.DocCount,
			Pending:  bucket.Pending.DocCount,
		})
	}
	for i, bucket := range current.leagueBuckets {
		entry := LeagueEntry{
			Rank:            i + 1,
			Name:            bucket.Key,
			Applications:    bucket.DocCount,
			AvgDecisionDays: bucket.AvgDays.Value,
		}
		if decided := bucket.Approved.DocCount + bucket.Rejected.DocCount; decided > 0 {
			entry.ApprovalRate = float64(bucket.Approved.DocCount) / float64(decided)
		}
		switch prev := previousVolumes[bucket.Key]; {
		case bucket.DocCount > prev:
			entry.Trend = "up"
		case bucket.DocCount < prev:
			entry.Trend = "down"
		default:
			entry.Trend = "stable"
		}
		dashboard.LeagueTable = append(dashboard.LeagueTable, entry)
	}
	return dashboard, nil
}

// trendAggsResult is the decoded aggregation output for one window.
type trendAggsResult struct {
	overview       Overview
	monthlyBuckets []monthlyBucket
	leagueBuckets  []leagueBucket
}

type countAgg struct {
	DocCount int64 `json:"doc_count"`
}

type valueAgg struct {
	Value float64 `json:"value"`
}

type monthlyBucket struct {
	KeyAsString string   `json:"key_as_string"`
	DocCount    int64    `json:"doc_count"`
	Approved    countAgg `json:"approved"`
	Rejected    countAgg `json:"rejected"`
	Pending     countAgg `json:"pending"`
}

type leagueBucket struct {
	Key      string   `json:"key"`
	DocCount int64    `json:"doc_count"`
	Approved countAgg `json:"approved"`
	Rejected countAgg `json:"rejected"`
	AvgDays  valueAgg `json:"avg_days"`
}

func statusFilterAgg(status string) map[string]any {
	return map[string]any{"filter": map[string]any{"term": map[string]any{"status": status}}}
}

func (s *Service) runTrendAggs(ctx context.Context, field string, from, to time.Time, scope *Filters) (*trendAggsResult, error) {
	clauses := []map[string]any{
		{"range": map[string]any{"submission_date": map[string]any{
			"gte": from.Format("2006-01-02"),
			"lt":  to.Format("2006-01-02"),
		}}},
	}
	if scope != nil {
		clauses = append(clauses, filterClauses(*scope)...)
	}

	pendingAgg := map[string]any{"filter": map[string]any{"terms": map[string]any{
		"status": []string{"submitted", "validated", "under_consideration"},
	}}}

	zero := 0
	resp, err := s.gateway.Search(ctx, es.SearchRequest{
		Query:          map[string]any{"bool": map[string]any{"filter": clauses}},
		Size:           &zero,
		TrackTotalHits: true,
		Aggs: map[string]any{
			"approved": statusFilterAgg("approved"),
			"rejected": statusFilterAgg("rejected"),
			"pending":  pendingAgg,
			"avg_days": map[string]any{"avg": map[string]any{"field": "n_statutory_days"}},
			"monthly": map[string]any{
				"date_histogram": map[string]any{
					"field": "submission_date", "calendar_interval": "month",
				},
				"aggs": map[string]any{
					"approved": statusFilterAgg("approved"),
					"rejected": statusFilterAgg("rejected"),
					"pending":  pendingAgg,
				},
			},
			"league": map[string]any{
				"terms": map[string]any{"field": field, "size": 20},
				"aggs": map[string]any{
					"approved": statusFilterAgg("approved"),
					"rejected": statusFilterAgg("rejected"),
					"avg_days": map[string]any{"avg": map[string]any{"field": "n_statutory_days"}},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	result := &trendAggsResult{}
	result.overview.TotalApplications = resp.Hits.Total.Value

	var approved, rejected, pending countAgg
	var avgDays valueAgg
	decodeAgg(resp.Aggregations, "approved", &approved)
	decodeAgg(resp.Aggregations, "rejected", &rejected)
	decodeAgg(resp.Aggregations, "pending", &pending)
	decodeAgg(resp.Aggregations, "avg_days", &avgDays)

	if decided := approved.DocCount + rejected.DocCount; decided > 0 {
		result.overview.ApprovalRate = float64(approved.DocCount) / float64(decided)
	}
	result.overview.AvgDecisionDays = avgDays.Value
	result.overview.ActiveCount = pending.DocCount

	var monthly struct {
		Buckets []monthlyBucket `json:"buckets"`
	}
	decodeAgg(resp.Aggregations, "monthly", &monthly)
	result.monthlyBuckets = monthly.Buckets

	var league struct {
		Buckets []leagueBucket `json:"buckets"`
	}
	decodeAgg(resp.Aggregations, "league", &league)
	result.leagueBuckets = league.Buckets
	return result, nil
}

func decodeAgg(aggs map[string]json.RawMessage, name string, dest any) {
	if raw, ok := aggs[name]; ok {
		_ = json.Unmarshal(raw, dest)
	}
}
