package services

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/infrastructure/observability"
)

// defaultNoteFormat is used when neither the upstream nor the context names a format
const defaultNoteFormat = "soap"

// InsightNormalizer converts raw upstream payloads into the canonical insight
// shape of each pipeline kind. Upstream responses nest fields differently per
// kind and per model version, so every field is read from a list of
// alternate paths and missing optional substructures fall back to defaults.
type InsightNormalizer struct{}

// NewInsightNormalizer creates a new normalizer
func NewInsightNormalizer() *InsightNormalizer {
	return &InsightNormalizer{}
}

// Normalize parses data as the canonical insight of kind.
// Only a payload that is not a JSON object is rejected.
func (n *InsightNormalizer) Normalize(ctx context.Context, kind entities.PipelineKind, data []byte) (*entities.Insight, bool) {
	if !gjson.ValidBytes(data) {
		return nil, false
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, false
	}

	insight := &entities.Insight{Kind: kind}
	switch kind {
	case entities.PipelineKindSafety:
		insight.Safety = n.normalizeSafety(ctx, root)
	case entities.PipelineKindBilling:
		insight.Billing = n.normalizeBilling(root)
	case entities.PipelineKindProgress:
		insight.Progress = n.normalizeProgress(root)
	case entities.PipelineKindNote:
		insight.Note = n.normalizeNote(root)
	default:
		return nil, false
	}
	return insight, true
}

func (n *InsightNormalizer) normalizeSafety(ctx context.Context, root gjson.Result) *entities.SafetyInsight {
	insight := &entities.SafetyInsight{
		ProtectiveFactors: stringList(first(root, "riskAssessment.protectiveFactors", "protectiveFactors")),
		Recommendations:   stringList(first(root, "recommendations", "riskAssessment.recommendations")),
		Confidence:        first(root, "confidence", "riskAssessment.confidence").Float(),
	}

	risk := first(root, "riskAssessment.overallRisk", "overallRisk", "riskLevel")
	if risk.Exists() && risk.String() != "" {
		insight.OverallRisk = riskLevel(risk.String())
	} else {
		insight.OverallRisk = entities.RiskLevelLow
		insight.RiskDefaulted = true
		observability.LoggerFromContext(ctx).Warn().
			Msg("Safety response has no overall risk, defaulting to low")
	}

	score := first(root, "riskAssessment.riskScore", "riskScore")
	if score.Exists() {
		insight.RiskScore = clampFloat(score.Float(), 0, 100)
	} else {
		insight.RiskScore = riskScoreFor(insight.OverallRisk)
	}

	first(root, "alerts", "safetyAlerts", "riskAssessment.alerts").ForEach(func(_, a gjson.Result) bool {
		alert := entities.SafetyAlert{
			ID:                 a.Get("id").String(),
			Category:           category(first(a, "category", "type").String()),
			Severity:           riskLevel(first(a, "severity", "level").String()),
			Description:        first(a, "description", "message").String(),
			Evidence:           first(a, "evidence", "quote").String(),
			EscalationRequired: first(a, "escalationRequired", "requiresEscalation").Bool(),
			UrgentResponse:     first(a, "urgentResponse", "urgent").Bool(),
			Confidence:         confidence(a.Get("confidence"), insight.Confidence),
			RecommendedActions: stringList(first(a, "recommendedActions", "actions")),
		}
		insight.Alerts = append(insight.Alerts, alert)
		return true
	})

	return insight
}

func (n *InsightNormalizer) normalizeBilling(root gjson.Result) *entities.BillingInsight {
	insight := &entities.BillingInsight{
		CPTCodes:          billingCodes(first(root, "cptCodes", "billingCodes.cpt", "codes.cpt")),
		ICD10Codes:        billingCodes(first(root, "icd10Codes", "billingCodes.icd10", "codes.icd10")),
		DocumentationGaps: stringList(first(root, "documentationGaps", "compliance.documentationGaps")),
	}

	first(root, "complianceIssues", "compliance.issues").ForEach(func(_, c gjson.Result) bool {
		issue := entities.ComplianceIssue{
			Issue:          first(c, "issue", "description").String(),
			Severity:       riskLevel(c.Get("severity").String()),
			Recommendation: c.Get("recommendation").String(),
		}
		if c.Type == gjson.String {
			issue = entities.ComplianceIssue{Issue: c.String(), Severity: entities.RiskLevelModerate}
		}
		insight.ComplianceIssues = append(insight.ComplianceIssues, issue)
		return true
	})

	if overall := first(root, "overallConfidence", "confidence"); overall.Exists() {
		insight.OverallConfidence = clampFloat(overall.Float(), 0, 1)
	} else {
		insight.OverallConfidence = meanConfidence(insight.CPTCodes)
	}

	return insight
}

func (n *InsightNormalizer) normalizeProgress(root gjson.Result) *entities.ProgressInsight {
	insight := &entities.ProgressInsight{
		Summary:         first(root, "summary", "progressSummary").String(),
		Recommendations: stringList(first(root, "recommendations", "nextSteps")),
		Confidence:      first(root, "confidence").Float(),
	}

	switch eff := strings.ToLower(first(root, "overallEffectiveness", "treatmentEffectiveness.overall", "effectiveness").String()); eff {
	case string(entities.EffectivenessLow), string(entities.EffectivenessHigh):
		insight.OverallEffectiveness = entities.Effectiveness(eff)
	default:
		insight.OverallEffectiveness = entities.EffectivenessModerate
	}

	first(root, "goals", "goalProgress", "treatmentGoals").ForEach(func(_, g gjson.Result) bool {
		goal := entities.GoalProgress{
			GoalID:          first(g, "goalId", "id").String(),
			Description:     first(g, "description", "goal").String(),
			Status:          goalStatus(g.Get("status").String()),
			ProgressPercent: int(clampFloat(first(g, "progressPercent", "progress").Float(), 0, 100)),
			Barriers:        stringList(g.Get("barriers")),
			Evidence:        stringList(g.Get("evidence")),
			Confidence:      confidence(g.Get("confidence"), insight.Confidence),
		}
		insight.Goals = append(insight.Goals, goal)
		return true
	})

	return insight
}

func (n *InsightNormalizer) normalizeNote(root gjson.Result) *entities.NoteInsight {
	insight := &entities.NoteInsight{
		Format:     strings.ToLower(first(root, "format", "noteFormat").String()),
		Summary:    first(root, "summary").String(),
		Confidence: first(root, "confidence").Float(),
	}
	if insight.Format == "" {
		insight.Format = defaultNoteFormat
	}

	sections := first(root, "sections", "note.sections", "note")
	if sections.IsArray() {
		sections.ForEach(func(_, s gjson.Result) bool {
			insight.Sections = append(insight.Sections, entities.NoteSection{
				Title:   first(s, "title", "name").String(),
				Content: first(s, "content", "text").String(),
			})
			return true
		})
	} else if sections.IsObject() {
		// Keyed form, e.g. {"subjective": "...", "objective": "..."}
		sections.ForEach(func(k, v gjson.Result) bool {
			insight.Sections = append(insight.Sections, entities.NoteSection{Title: k.String(), Content: v.String()})
			return true
		})
	}

	if wc := first(root, "wordCount"); wc.Exists() {
		insight.WordCount = int(wc.Int())
	} else {
		for _, s := range insight.Sections {
			insight.WordCount += len(strings.Fields(s.Content))
		}
	}

	return insight
}

// first returns the first existing value among paths
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func stringList(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	if !r.IsArray() {
		if s := r.String(); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

func billingCodes(r gjson.Result) []entities.BillingCode {
	var codes []entities.BillingCode
	r.ForEach(func(_, c gjson.Result) bool {
		code := entities.BillingCode{
			Code:        c.Get("code").String(),
			Description: c.Get("description").String(),
			Confidence:  clampFloat(c.Get("confidence").Float(), 0, 1),
			Units:       int(c.Get("units").Int()),
			Modifiers:   stringList(c.Get("modifiers")),
			Rationale:   first(c, "rationale", "justification").String(),
		}
		if code.Code != "" {
			codes = append(codes, code)
		}
		return true
	})
	return codes
}

func riskLevel(s string) entities.RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "severe", "imminent":
		return entities.RiskLevelCritical
	case "high":
		return entities.RiskLevelHigh
	case "moderate", "medium":
		return entities.RiskLevelModerate
	default:
		return entities.RiskLevelLow
	}
}

func riskScoreFor(level entities.RiskLevel) float64 {
	switch level {
	case entities.RiskLevelCritical:
		return 90
	case entities.RiskLevelHigh:
		return 70
	case entities.RiskLevelModerate:
		return 40
	default:
		return 10
	}
}

func goalStatus(s string) entities.GoalStatus {
	switch status := entities.GoalStatus(strings.ToLower(strings.TrimSpace(s))); status {
	case entities.GoalStatusAchieved, entities.GoalStatusProgressing, entities.GoalStatusStalled, entities.GoalStatusRegressed:
		return status
	case "met", "completed":
		return entities.GoalStatusAchieved
	default:
		return entities.GoalStatusUnknown
	}
}

func category(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "-", " ", "-").Replace(s)
}

func confidence(r gjson.Result, fallback float64) float64 {
	if !r.Exists() {
		return clampFloat(fallback, 0, 1)
	}
	return clampFloat(r.Float(), 0, 1)
}

func meanConfidence(codes []entities.BillingCode) float64 {
	if len(codes) == 0 {
		return 0
	}
	var total float64
	for _, c := range codes {
		total += c.Confidence
	}
	return total / float64(len(codes))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
