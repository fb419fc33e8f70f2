package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
)

func aggResponse(total int64, aggs map[string]string) *es.SearchResponse {
	out := make(map[string]json.RawMessage, len(aggs))
	for name, raw := range aggs {
		out[name] = json.RawMessage(raw)
	}
	return &es.SearchResponse{
		Hits:         es.Hits{Total: es.TotalHits{Value: total, Relation: "eq"}},
		Aggregations: out,
	}
}

func currentWindow() *es.SearchResponse {
	return aggResponse(18, map[string]string{
		"approved": `{"doc_count":10}`,
		"rejected": `{"doc_count":5}`,
		"pending":  `{"doc_count":3}`,
		"avg_days": `{"value":42.5}`,
		"monthly": `{"buckets":[
			{"key_as_string":"2026-05-01","doc_count":6,
			 "approved":{"doc_count":4},"rejected":{"doc_count":1},"pending":{"doc_count":1}},
			{"key_as_string":"2026-06-01","doc_count":12,
			 "approved":{"doc_count":6},"rejected":{"doc_count":4},"pending":{"doc_count":2}}]}`,
		"league": `{"buckets":[
			{"key":"Manchester","doc_count":10,
			 "approved":{"doc_count":7},"rejected":{"doc_count":3},"avg_days":{"value":40}},
			{"key":"Leeds","doc_count":5,
			 "approved":{"doc_count":1},"rejected":{"doc_count":1},"avg_days":{"value":50}}]}`,
	})
}

func previousWindow() *es.SearchResponse {
	return aggResponse(20, map[string]string{
		"approved": `{"doc_count":8}`,
		"rejected": `{"doc_count":6}`,
		"pending":  `{"doc_count":2}`,
		"avg_days": `{"value":45}`,
		"monthly":  `{"buckets":[]}`,
		"league": `{"buckets":[
			{"key":"Manchester","doc_count":12,
			 "approved":{"doc_count":8},"rejected":{"doc_count":4},"avg_days":{"value":44}},
			{"key":"Leeds","doc_count":5,
			 "approved":{"doc_count":2},"rejected":{"doc_count":1},"avg_days":{"value":48}}]}`,
	})
}

func TestPeriodBounds(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	from, to, err := periodBounds("last_month", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, -1, 0), from)
	assert.Equal(t, now, to)

	from, _, err = periodBounds("", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, -3, 0), from)

	from, _, err = periodBounds("last_2_years", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(-2, 0, 0), from)

	_, _, err = periodBounds("fortnight", now)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INVALID_PERIOD", de.Code)
}

func TestTrendsDashboard_InvalidType(t *testing.T) {
	s := newTestService(&fakeGateway{}, nil)

	_, err := s.TrendsDashboard(context.Background(), TrendType("galaxies"), "last_year", nil)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INVALID_TREND_TYPE", de.Code)
}

func TestTrendsDashboard(t *testing.T) {
	gw := &fakeGateway{responses: []*es.SearchResponse{currentWindow(), previousWindow()}}
	s := newTestService(gw, nil)

	dashboard, err := s.TrendsDashboard(context.Background(), TrendAuthorities, "last_quarter", nil)
	require.NoError(t, err)

	// One aggregation pass per window.
	require.Len(t, gw.requests, 2)
	assert.Contains(t, gw.requests[0].Aggs, "league")
	assert.Contains(t, gw.requests[0].Aggs, "monthly")
	assert.Equal(t, 0, *gw.requests[0].Size)

	assert.Equal(t, TrendAuthorities, dashboard.Type)
	assert.Equal(t, int64(18), dashboard.Overview.TotalApplications)
	assert.InDelta(t, 10.0/15.0, dashboard.Overview.ApprovalRate, 0.001)
	assert.InDelta(t, 42.5, dashboard.Overview.AvgDecisionDays, 0.001)
	assert.Equal(t, int64(3), dashboard.Overview.ActiveCount)

	require.Len(t, dashboard.MonthlyTrend, 2)
	assert.Equal(t, "2026-05-01", dashboard.MonthlyTrend[0].Month)
	assert.Equal(t, int64(4), dashboard.MonthlyTrend[0].Approved)

	require.Len(t, dashboard.LeagueTable, 2)
	manchester := dashboard.LeagueTable[0]
	assert.Equal(t, 1, manchester.Rank)
	assert.Equal(t, "Manchester", manchester.Name)
	assert.InDelta(t, 0.7, manchester.ApprovalRate, 0.001)
	assert.Equal(t, "down", manchester.Trend) // 10 now vs 12 in the previous window
	assert.Equal(t, "stable", dashboard.LeagueTable[1].Trend)
}

func TestAggregations_DeclaredTree(t *testing.T) {
	gw := &fakeGateway{responses: []*es.SearchResponse{aggResponse(0, map[string]string{
		"top_authorities": `{"buckets":[]}`,
	})}}
	s := newTestService(gw, nil)

	aggs, err := s.Aggregations(context.Background(), &Filters{Authorities: []string{"Leeds"}})
	require.NoError(t, err)
	assert.Contains(t, aggs, "top_authorities")

	req := gw.requests[0]
	assert.Equal(t, 0, *req.Size)
	assert.Contains(t, req.Aggs, "status_breakdown")
	assert.Contains(t, req.Aggs, "decision_time_percentiles")
	assert.Contains(t, req.Query, "bool")
}
