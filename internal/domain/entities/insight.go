package entities

// RiskLevel grades safety risk and alert severity
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelModerate RiskLevel = "moderate"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Rank orders risk levels from low (0) to critical (3)
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLevelCritical:
		return 3
	case RiskLevelHigh:
		return 2
	case RiskLevelModerate:
		return 1
	default:
		return 0
	}
}

// IsHighOrCritical reports whether r is High or Critical
func (r RiskLevel) IsHighOrCritical() bool {
	return r.Rank() >= RiskLevelHigh.Rank()
}

// Insight is the normalized result of one pipeline. Exactly one of the
// kind-specific fields is set, matching Kind.
type Insight struct {
	Kind     PipelineKind     `json:"kind"`
	Safety   *SafetyInsight   `json:"safety,omitempty"`
	Billing  *BillingInsight  `json:"billing,omitempty"`
	Progress *ProgressInsight `json:"progress,omitempty"`
	Note     *NoteInsight     `json:"note,omitempty"`
}

// SafetyAlert is one safety concern raised by the safety pipeline
type SafetyAlert struct {
	ID                 string    `json:"id,omitempty"`
	Category           string    `json:"category"`
	Severity           RiskLevel `json:"severity"`
	Description        string    `json:"description"`
	Evidence           string    `json:"evidence,omitempty"`
	EscalationRequired bool      `json:"escalation_required"`
	UrgentResponse     bool      `json:"urgent_response"`
	Confidence         float64   `json:"confidence"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`
}

// SafetyInsight is the canonical safety pipeline result
type SafetyInsight struct {
	OverallRisk       RiskLevel     `json:"overall_risk"`
	RiskScore         float64       `json:"risk_score"`
	Alerts            []SafetyAlert `json:"alerts"`
	ProtectiveFactors []string      `json:"protective_factors,omitempty"`
	Recommendations   []string      `json:"recommendations,omitempty"`
	Confidence        float64       `json:"confidence"`
	// RiskDefaulted is set when the upstream omitted the overall risk and
	// the low default was substituted.
	RiskDefaulted bool `json:"risk_defaulted"`
}

// HighestSeverity returns the highest of the overall risk and every alert severity
func (s *SafetyInsight) HighestSeverity() RiskLevel {
	highest := s.OverallRisk
	for _, alert := range s.Alerts {
		if alert.Severity.Rank() > highest.Rank() {
			highest = alert.Severity
		}
	}
	return highest
}

// BillingCode is a suggested CPT or ICD-10 code
type BillingCode struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Units       int      `json:"units,omitempty"`
	Modifiers   []string `json:"modifiers,omitempty"`
	Rationale   string   `json:"rationale,omitempty"`
}

// ComplianceIssue is a documentation or coding compliance finding
type ComplianceIssue struct {
	Issue          string    `json:"issue"`
	Severity       RiskLevel `json:"severity"`
	Recommendation string    `json:"recommendation,omitempty"`
}

// BillingInsight is the canonical billing pipeline result
type BillingInsight struct {
	CPTCodes          []BillingCode     `json:"cpt_codes"`
	ICD10Codes        []BillingCode     `json:"icd10_codes"`
	ComplianceIssues  []ComplianceIssue `json:"compliance_issues,omitempty"`
	DocumentationGaps []string          `json:"documentation_gaps,omitempty"`
	OverallConfidence float64           `json:"overall_confidence"`
}

// GoalStatus is the assessed state of a treatment goal
type GoalStatus string

const (
	GoalStatusAchieved    GoalStatus = "achieved"
	GoalStatusProgressing GoalStatus = "progressing"
	GoalStatusStalled     GoalStatus = "stalled"
	GoalStatusRegressed   GoalStatus = "regressed"
	GoalStatusUnknown     GoalStatus = "unknown"
)

// Effectiveness grades overall treatment effectiveness
type Effectiveness string

const (
	EffectivenessLow      Effectiveness = "low"
	EffectivenessModerate Effectiveness = "moderate"
	EffectivenessHigh     Effectiveness = "high"
)

// GoalProgress is the progress assessment of one treatment goal
type GoalProgress struct {
	GoalID          string     `json:"goal_id"`
	Description     string     `json:"description"`
	Status          GoalStatus `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	Barriers        []string   `json:"barriers,omitempty"`
	Evidence        []string   `json:"evidence,omitempty"`
	Confidence      float64    `json:"confidence"`
}

// ProgressInsight is the canonical progress pipeline result
type ProgressInsight struct {
	Goals                []GoalProgress `json:"goals"`
	OverallEffectiveness Effectiveness  `json:"overall_effectiveness"`
	Summary              string         `json:"summary,omitempty"`
	Recommendations      []string       `json:"recommendations,omitempty"`
	Confidence           float64        `json:"confidence"`
}

// NoteSection is one section of a drafted clinical note
type NoteSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// NoteInsight is the canonical note pipeline result
type NoteInsight struct {
	Format     string        `json:"format"`
	Sections   []NoteSection `json:"sections"`
	Summary    string        `json:"summary,omitempty"`
	WordCount  int           `json:"word_count"`
	Confidence float64       `json:"confidence"`
}
