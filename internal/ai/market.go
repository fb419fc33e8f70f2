package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// AnalysisPeriod bounds the window a market report covers.
type AnalysisPeriod string

// Analysis periods.
const (
	PeriodLastMonth   AnalysisPeriod = "last_month"
	PeriodLastQuarter AnalysisPeriod = "last_quarter"
	PeriodLastYear    AnalysisPeriod = "last_year"
	PeriodLast2Years  AnalysisPeriod = "last_2_years"
)

// TrendDirection describes how a metric moved across the period.
type TrendDirection string

// Trend directions.
const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// Trend is one metric's movement within the analysis window.
type Trend struct {
	Metric     string         `json:"metric"`
	Direction  TrendDirection `json:"direction"`
	ChangePct  float64        `json:"change_pct"`
	Confidence float64        `json:"confidence"`
	Insights   []string       `json:"insights,omitempty"`
}

// SegmentMetrics aggregates one development-type segment.
type SegmentMetrics struct {
	ApprovalRate      float64        `json:"approval_rate"`
	AvgProcessingDays float64        `json:"avg_processing_days"`
	Applications      int            `json:"applications"`
	VolumeTrend       TrendDirection `json:"volume_trend"`
	ApprovalTrend     TrendDirection `json:"approval_trend"`
}

// MarketReport is the market intelligence output.
type MarketReport struct {
	MarketOverview   string                    `json:"market_overview"`
	AnalysisPeriod   AnalysisPeriod            `json:"analysis_period"`
	GeographicScope  string                    `json:"geographic_scope,omitempty"`
	Trends           []Trend                   `json:"trends"`
	MarketMetrics    map[string]SegmentMetrics `json:"market_metrics"`
	Opportunities    []string                  `json:"opportunities,omitempty"`
	Risks            []string                  `json:"risks,omitempty"`
	Recommendations  []string                  `json:"recommendations,omitempty"`
	DataQualityScore float64                   `json:"data_quality_score"`
	ConfidenceScore  float64                   `json:"confidence_score"`
	GeneratedAt      time.Time                 `json:"generated_at"`
	CostUSD          float64                   `json:"cost_usd"`
}

// MarketAnalyzer derives market intelligence from a set of applications.
// All numbers are computed statistically from the input set; the LLM, when
// available, only writes the narrative fields.
type MarketAnalyzer struct {
	client  completionClient
	model   string
	timeout time.Duration
	logger  *observability.Logger
}

// NewMarketAnalyzer creates an analyzer. A nil client disables narrative
// synthesis and yields purely statistical reports.
func NewMarketAnalyzer(client completionClient, model string, timeout time.Duration, logger *observability.Logger) *MarketAnalyzer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &MarketAnalyzer{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.WithComponent("market_intelligence"),
	}
}

// PeriodStart returns the inclusive start of an analysis period relative to
// now.
func PeriodStart(period AnalysisPeriod, now time.Time) time.Time {
	switch period {
	case PeriodLastMonth:
		return now.AddDate(0, -1, 0)
	case PeriodLastQuarter:
		return now.AddDate(0, -3, 0)
	case PeriodLast2Years:
		return now.AddDate(-2, 0, 0)
	default:
		return now.AddDate(-1, 0, 0)
	}
}

// Analyze produces a market report for the given applications.
func (m *MarketAnalyzer) Analyze(ctx context.Context, apps []*domain.PlanningApplication, period AnalysisPeriod, scope string) (*MarketReport, error) {
	if len(apps) == 0 {
		return nil, domain.ValidationError("EMPTY_APPLICATION_SET", "market analysis requires at least one application")
	}

	stats := computeMarketStats(apps)
	report := &MarketReport{
		AnalysisPeriod:   period,
		GeographicScope:  scope,
		Trends:           stats.trends,
		MarketMetrics:    stats.segments,
		DataQualityScore: stats.dataQuality,
		ConfidenceScore:  0.6 + 0.3*stats.dataQuality,
		GeneratedAt:      time.Now().UTC(),
	}
	report.MarketOverview = stats.overview(period, scope)

	if m.client != nil {
		m.addNarrative(ctx, report, stats)
	}
	return report, nil
}

type marketStats struct {
	total           int
	approved        int
	rejected        int
	decided         int
	avgDecisionDays float64
	trends          []Trend
	segments        map[string]SegmentMetrics
	dataQuality     float64
}

func (s marketStats) approvalRate() float64 {
	if s.decided == 0 {
		return 0
	}
	return float64(s.approved) / float64(s.decided)
}

func (s marketStats) overview(period AnalysisPeriod, scope string) string {
	where := scope
	if where == "" {
		where = "the selected area"
	}
	return fmt.Sprintf("%d applications analyzed in %s over %s: %.0f%% approval rate across %d decided, averaging %.0f days to decision.",
		s.total, where, strings.ReplaceAll(string(period), "_", " "),
		s.approvalRate()*100, s.decided, s.avgDecisionDays)
}

// computeMarketStats derives every numeric field of the report. Trend
// direction compares the older half of the set against the newer half,
// ordered by submission date.
func computeMarketStats(apps []*domain.PlanningApplication) marketStats {
	stats := marketStats{
		total:    len(apps),
		segments: make(map[string]SegmentMetrics),
	}

	ordered := make([]*domain.PlanningApplication, len(apps))
	copy(ordered, apps)
	sort.Slice(ordered, func(i, j int) bool {
		return submissionOrZero(ordered[i]).Before(submissionOrZero(ordered[j]))
	})

	var decisionDaysSum float64
	var decisionDaysN int
	type segAccum struct {
		total, approved, decided    int
		daysSum                     float64
		daysN                       int
		olderVolume, newerVolume    int
		olderApproved, olderDecided int
		newerApproved, newerDecided int
	}
	segs := make(map[string]*segAccum)
	half := len(ordered) / 2

	for i, app := range ordered {
		newer := i >= half
		segment := app.DevelopmentType
		if segment == "" {
			segment = "unclassified"
		}
		acc, ok := segs[segment]
		if !ok {
			acc = &segAccum{}
			segs[segment] = acc
		}
		acc.total++
		if newer {
			acc.newerVolume++
		} else {
			acc.olderVolume++
		}

		switch app.Status {
		case domain.StatusApproved:
			stats.approved++
			stats.decided++
			acc.approved++
			acc.decided++
			if newer {
				acc.newerApproved++
				acc.newerDecided++
			} else {
				acc.olderApproved++
				acc.olderDecided++
			}
		case domain.StatusRejected, domain.StatusWithdrawn:
			stats.rejected++
			stats.decided++
			acc.decided++
			if newer {
				acc.newerDecided++
			} else {
				acc.olderDecided++
			}
		}

		if days, ok := app.DecisionDays(); ok {
			decisionDaysSum += float64(days)
			decisionDaysN++
			acc.daysSum += float64(days)
			acc.daysN++
		}
	}

	if decisionDaysN > 0 {
		stats.avgDecisionDays = decisionDaysSum / float64(decisionDaysN)
	}

	names := make([]string, 0, len(segs))
	for name := range segs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		acc := segs[name]
		metrics := SegmentMetrics{Applications: acc.total}
		if acc.decided > 0 {
			metrics.ApprovalRate = float64(acc.approved) / float64(acc.decided)
		}
		if acc.daysN > 0 {
			metrics.AvgProcessingDays = acc.daysSum / float64(acc.daysN)
		}
		metrics.VolumeTrend = direction(float64(acc.olderVolume), float64(acc.newerVolume))
		metrics.ApprovalTrend = direction(
			rate(acc.olderApproved, acc.olderDecided),
			rate(acc.newerApproved, acc.newerDecided))
		stats.segments[name] = metrics
	}

	stats.trends = overallTrends(ordered, half)
	stats.dataQuality = dataQuality(apps)
	return stats
}

func overallTrends(ordered []*domain.PlanningApplication, half int) []Trend {
	olderVolume := half
	newerVolume := len(ordered) - half

	var olderApproved, olderDecided, newerApproved, newerDecided int
	for i, app := range ordered {
		decided := app.Status == domain.StatusApproved ||
			app.Status == domain.StatusRejected || app.Status == domain.StatusWithdrawn
		if !decided {
			continue
		}
		if i >= half {
			newerDecided++
			if app.Status == domain.StatusApproved {
				newerApproved++
			}
		} else {
			olderDecided++
			if app.Status == domain.StatusApproved {
				olderApproved++
			}
		}
	}

	trends := []Trend{
		{
			Metric:     "application_volume",
			Direction:  direction(float64(olderVolume), float64(newerVolume)),
			ChangePct:  changePct(float64(olderVolume), float64(newerVolume)),
			Confidence: volumeConfidence(len(ordered)),
		},
		{
			Metric:     "approval_rate",
			Direction:  direction(rate(olderApproved, olderDecided), rate(newerApproved, newerDecided)),
			ChangePct:  changePct(rate(olderApproved, olderDecided), rate(newerApproved, newerDecided)),
			Confidence: volumeConfidence(olderDecided + newerDecided),
		},
	}
	return trends
}

func rate(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func direction(older, newer float64) TrendDirection {
	if older == 0 && newer == 0 {
		return TrendStable
	}
	change := changePct(older, newer)
	switch {
	case change > 5:
		return TrendUp
	case change < -5:
		return TrendDown
	default:
		return TrendStable
	}
}

func changePct(older, newer float64) float64 {
	if older == 0 {
		if newer == 0 {
			return 0
		}
		return 100
	}
	return math.Round((newer-older)/older*1000) / 10
}

func volumeConfidence(n int) float64 {
	switch {
	case n >= 100:
		return 0.9
	case n >= 30:
		return 0.7
	case n >= 10:
		return 0.5
	default:
		return 0.3
	}
}

// dataQuality scores field coverage across the input set: the share of
// populated values among the fields the statistics depend on.
func dataQuality(apps []*domain.PlanningApplication) float64 {
	if len(apps) == 0 {
		return 0
	}
	var populated, checked int
	for _, app := range apps {
		fields := []bool{
			app.Status != "",
			app.DevelopmentType != "",
			app.SubmissionDate != nil,
			app.DecisionDate != nil || !isDecided(app.Status),
			app.Authority != "",
		}
		for _, ok := range fields {
			checked++
			if ok {
				populated++
			}
		}
	}
	return math.Round(float64(populated)/float64(checked)*100) / 100
}

func isDecided(status domain.ApplicationStatus) bool {
	return status == domain.StatusApproved || status == domain.StatusRejected ||
		status == domain.StatusWithdrawn
}

func submissionOrZero(app *domain.PlanningApplication) time.Time {
	if app.SubmissionDate != nil {
		return *app.SubmissionDate
	}
	return time.Time{}
}

const marketSystemPrompt = `You are a UK property market analyst. Given the
statistics below, reply with strict JSON only:
{"opportunities":["..."],"risks":["..."],"recommendations":["..."],
"trend_insights":{"application_volume":["..."],"approval_rate":["..."]}}`

// addNarrative asks the model for opportunities/risks/recommendations and
// per-trend insights. Failures leave the statistical report intact.
func (m *MarketAnalyzer) addNarrative(ctx context.Context, report *MarketReport, stats marketStats) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"overview":       report.MarketOverview,
		"trends":         report.Trends,
		"market_metrics": report.MarketMetrics,
	})
	if err != nil {
		return
	}

	resp, err := m.client.Complete(ctx, llm.CompletionRequest{
		Model:        m.model,
		SystemPrompt: marketSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: string(payload)}},
		MaxTokens:    900,
		Temperature:  0.4,
		UseCache:     true,
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("market narrative unavailable, returning statistical report")
		return
	}

	raw, err := extractJSONObject(resp.Content)
	if err != nil {
		m.logger.Warn().Err(err).Msg("unstructured market narrative reply")
		return
	}
	var narrative struct {
		Opportunities   []string            `json:"opportunities"`
		Risks           []string            `json:"risks"`
		Recommendations []string            `json:"recommendations"`
		TrendInsights   map[string][]string `json:"trend_insights"`
	}
	if err := json.Unmarshal([]byte(raw), &narrative); err != nil {
		m.logger.Warn().Err(err).Msg("undecodable market narrative reply")
		return
	}

	report.Opportunities = narrative.Opportunities
	report.Risks = narrative.Risks
	report.Recommendations = narrative.Recommendations
	report.CostUSD = resp.CostUSD
	for i := range report.Trends {
		if insights, ok := narrative.TrendInsights[report.Trends[i].Metric]; ok {
			report.Trends[i].Insights = insights
		}
	}
}
