// Package domain defines the core entities of Planning Explorer: planning
// applications, their AI enrichments, and the shared error taxonomy.
package domain

import (
	"encoding/json"
	"time"
)

// ApplicationStatus is the lifecycle status of a planning application.
type ApplicationStatus string

// Lifecycle statuses.
const (
	StatusSubmitted          ApplicationStatus = "submitted"
	StatusValidated          ApplicationStatus = "validated"
	StatusUnderConsideration ApplicationStatus = "under_consideration"
	StatusApproved           ApplicationStatus = "approved"
	StatusRejected           ApplicationStatus = "rejected"
	StatusWithdrawn          ApplicationStatus = "withdrawn"
	StatusAppealed           ApplicationStatus = "appealed"
)

// ValidStatuses lists the recognized application statuses.
var ValidStatuses = []ApplicationStatus{
	StatusSubmitted, StatusValidated, StatusUnderConsideration,
	StatusApproved, StatusRejected, StatusWithdrawn, StatusAppealed,
}

// IsValidStatus reports whether s is a recognized status value.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if string(v) == s {
			return true
		}
	}
	return false
}

// Decision is the final determination on an application.
type Decision string

// Decision values.
const (
	DecisionApproved      Decision = "approved"
	DecisionRefused       Decision = "refused"
	DecisionWithdrawn     Decision = "withdrawn"
	DecisionSplitDecision Decision = "split_decision"
)

// RiskLevel classifies the assessed risk of an application.
type RiskLevel string

// Risk levels.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// GeoPoint is a lat/lon pair matching the ES geo_point mapping.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Applicant identifies the party applying for permission.
type Applicant struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Address string `json:"address,omitempty"`
}

// Agent identifies the agent acting for the applicant.
type Agent struct {
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Document is a file attached to an application on the authority portal.
type Document struct {
	DocumentID       string     `json:"document_id"`
	Title            string     `json:"title,omitempty"`
	Type             string     `json:"type,omitempty"`
	URL              string     `json:"url,omitempty"`
	UploadDate       *time.Time `json:"upload_date,omitempty"`
	FileSize         int64      `json:"file_size,omitempty"`
	ContentExtracted bool       `json:"content_extracted,omitempty"`
}

// Consultation is a statutory consultee response.
type Consultation struct {
	Consultee string     `json:"consultee"`
	Response  string     `json:"response,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
}

// PublicComments summarizes third-party representations.
type PublicComments struct {
	Total          int `json:"total"`
	SupportCount   int `json:"support_count"`
	ObjectionCount int `json:"objection_count"`
	NeutralCount   int `json:"neutral_count"`
}

// OpportunityBreakdown holds the six sub-scores behind an opportunity score,
// each in [0,1].
type OpportunityBreakdown struct {
	ApprovalProbability float64 `json:"approval_probability"`
	MarketPotential     float64 `json:"market_potential"`
	ProjectViability    float64 `json:"project_viability"`
	StrategicFit        float64 `json:"strategic_fit"`
	TimelineScore       float64 `json:"timeline_score"`
	RiskScore           float64 `json:"risk_score"`
}

// RiskAssessment is the structured risk view of an application.
type RiskAssessment struct {
	RiskLevel  RiskLevel `json:"risk_level"`
	Factors    []string  `json:"factors,omitempty"`
	Mitigation []string  `json:"mitigation,omitempty"`
}

// PlanningApplication is the primary record, stored in Elasticsearch and
// keyed by ApplicationID. Vector fields are indexed for kNN but excluded
// from search responses.
type PlanningApplication struct {
	// Identity.
	ApplicationID string `json:"application_id"`
	Reference     string `json:"reference,omitempty"`
	Authority     string `json:"authority,omitempty"`
	AuthorityCode string `json:"authority_code,omitempty"`

	// Location.
	Address  string    `json:"address,omitempty"`
	Postcode string    `json:"postcode,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
	Ward     string    `json:"ward,omitempty"`
	Parish   string    `json:"parish,omitempty"`
	Easting  *float64  `json:"easting,omitempty"`
	Northing *float64  `json:"northing,omitempty"`

	// Lifecycle.
	Status                ApplicationStatus `json:"status,omitempty"`
	Decision              Decision          `json:"decision,omitempty"`
	SubmissionDate        *time.Time        `json:"submission_date,omitempty"`
	ValidationDate        *time.Time        `json:"validation_date,omitempty"`
	ConsultationStartDate *time.Time        `json:"consultation_start_date,omitempty"`
	ConsultationEndDate   *time.Time        `json:"consultation_end_date,omitempty"`
	TargetDecisionDate    *time.Time        `json:"target_decision_date,omitempty"`
	DecisionDate          *time.Time        `json:"decision_date,omitempty"`
	DecidedDate           *time.Time        `json:"decided_date,omitempty"`
	AppealDate            *time.Time        `json:"appeal_date,omitempty"`
	NStatutoryDays        *int              `json:"n_statutory_days,omitempty"`
	LastChanged           *time.Time        `json:"last_changed,omitempty"`
	StartDate             *time.Time        `json:"start_date,omitempty"`

	// Development.
	DevelopmentType string `json:"development_type,omitempty"`
	ApplicationType string `json:"application_type,omitempty"`
	UseClass        string `json:"use_class,omitempty"`
	Description     string `json:"description,omitempty"`
	Proposal        string `json:"proposal,omitempty"`

	// Scale.
	ProjectValue   *float64 `json:"project_value,omitempty"`
	FloorArea      *float64 `json:"floor_area,omitempty"`
	SiteArea       *float64 `json:"site_area,omitempty"`
	NumUnits       *int     `json:"num_units,omitempty"`
	NumBedrooms    *int     `json:"num_bedrooms,omitempty"`
	BuildingHeight *float64 `json:"building_height,omitempty"`
	ParkingSpaces  *int     `json:"parking_spaces,omitempty"`

	// Parties.
	Applicant       *Applicant `json:"applicant,omitempty"`
	Agent           *Agent     `json:"agent,omitempty"`
	PlanningOfficer string     `json:"planning_officer,omitempty"`

	// Portal records.
	Documents      []Document      `json:"documents,omitempty"`
	NDocuments     *int            `json:"n_documents,omitempty"`
	DocsURL        string          `json:"docs_url,omitempty"`
	Consultations  []Consultation  `json:"consultations,omitempty"`
	PublicComments *PublicComments `json:"public_comments,omitempty"`

	// AI enrichments.
	AISummary            string                `json:"ai_summary,omitempty"`
	AIKeyPoints          []string              `json:"ai_key_points,omitempty"`
	AISentiment          string                `json:"ai_sentiment,omitempty"`
	ComplexityScore      *float64              `json:"complexity_score,omitempty"`
	OpportunityScore     *int                  `json:"opportunity_score,omitempty"`
	ApprovalProbability  *float64              `json:"approval_probability,omitempty"`
	OpportunityBreakdown *OpportunityBreakdown `json:"opportunity_breakdown,omitempty"`
	OpportunityRationale string                `json:"opportunity_rationale,omitempty"`
	MarketInsights       []string              `json:"market_insights,omitempty"`
	PredictedTimeline    string                `json:"predicted_timeline,omitempty"`
	RiskAssessment       *RiskAssessment       `json:"risk_assessment,omitempty"`
	RiskFlags            []string              `json:"risk_flags,omitempty"`
	ConfidenceScore      *float64              `json:"confidence_score,omitempty"`

	// Vector fields. Never returned by default search paths.
	DescriptionEmbedding []float32 `json:"description_embedding,omitempty"`
	FullContentEmbedding []float32 `json:"full_content_embedding,omitempty"`
	SummaryEmbedding     []float32 `json:"summary_embedding,omitempty"`
	LocationEmbedding    []float32 `json:"location_embedding,omitempty"`

	// Processing metadata.
	AIProcessed          bool       `json:"ai_processed,omitempty"`
	AIProcessedAt        *time.Time `json:"ai_processed_at,omitempty"`
	AIProcessingVersion  string     `json:"ai_processing_version,omitempty"`
	EmbeddingModel       string     `json:"embedding_model,omitempty"`
	EmbeddingDimensions  int        `json:"embedding_dimensions,omitempty"`
	EmbeddingGeneratedAt *time.Time `json:"embedding_generated_at,omitempty"`
	EmbeddingTextHash    string     `json:"embedding_text_hash,omitempty"`
	EmbeddingPriority    string     `json:"embedding_priority,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// OtherFields carries portal-specific attributes that have no mapping of
	// their own; decoded only at the leaves the core reads.
	OtherFields map[string]json.RawMessage `json:"other_fields,omitempty"`
}

// VectorFields lists the dense-vector field names, always excluded from
// search responses.
var VectorFields = []string{
	"description_embedding",
	"full_content_embedding",
	"summary_embedding",
	"location_embedding",
}

// AIFields lists the AI-enrichment field names excluded when a caller asks
// for raw records only.
var AIFields = []string{
	"ai_summary", "ai_key_points", "ai_sentiment", "complexity_score",
	"opportunity_score", "approval_probability", "opportunity_breakdown",
	"opportunity_rationale", "market_insights", "predicted_timeline",
	"risk_assessment", "risk_flags", "confidence_score",
}

// ClearVectors drops the dense-vector fields before the record leaves the
// service boundary.
func (a *PlanningApplication) ClearVectors() {
	a.DescriptionEmbedding = nil
	a.FullContentEmbedding = nil
	a.SummaryEmbedding = nil
	a.LocationEmbedding = nil
}

// ClearAIFields drops the AI enrichments for callers that want raw records.
func (a *PlanningApplication) ClearAIFields() {
	a.AISummary = ""
	a.AIKeyPoints = nil
	a.AISentiment = ""
	a.ComplexityScore = nil
	a.OpportunityScore = nil
	a.ApprovalProbability = nil
	a.OpportunityBreakdown = nil
	a.OpportunityRationale = ""
	a.MarketInsights = nil
	a.PredictedTimeline = ""
	a.RiskAssessment = nil
	a.RiskFlags = nil
	a.ConfidenceScore = nil
}

// DecisionDays returns the elapsed days between submission and decision, or
// false when either date is missing.
func (a *PlanningApplication) DecisionDays() (int, bool) {
	if a.SubmissionDate == nil || a.DecisionDate == nil {
		return 0, false
	}
	d := a.DecisionDate.Sub(*a.SubmissionDate)
	if d < 0 {
		return 0, false
	}
	return int(d.Hours() / 24), true
}
