package services

import (
	"fmt"
	"strings"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
)

// Operations bound to derived actions
const (
	OperationEscalateAlert       = "escalate_safety_alert"
	OperationCrisisIntervention  = "initiate_crisis_protocol"
	OperationScheduleFollowUp    = "schedule_follow_up"
	OperationUpdateSafetyPlan    = "update_safety_plan"
	OperationApproveCodes        = "approve_billing_codes"
	OperationReviewCodes         = "review_billing_codes"
	OperationResolveCompliance   = "resolve_compliance_issue"
	OperationDocumentAchievement = "document_goal_achievement"
	OperationAddressBarriers     = "address_goal_barriers"
	OperationAdjustTreatment     = "adjust_treatment_plan"
	OperationSignNote            = "sign_session_note"
	OperationComposeCombinedNote = "compose_combined_note"
	OperationBatch               = "batch"
)

const (
	highConfidenceThreshold   = 0.85
	reviewConfidenceThreshold = 0.6
	followUpRiskScore         = 70
)

// candidate is an action before scoring
type candidate struct {
	action     entities.SmartAction
	severity   entities.RiskLevel
	confidence float64
}

func safetyCandidates(insight *entities.SafetyInsight) []candidate {
	var out []candidate

	for _, alert := range insight.Alerts {
		label := alertLabel(alert)

		if alert.EscalationRequired {
			out = append(out, candidate{
				action: entities.SmartAction{
					Type:                 entities.ActionTypeSafety,
					Title:                fmt.Sprintf("Escalate %s alert", label),
					Description:          alert.Description,
					RequiresConfirmation: true,
					EstimatedTimeMinutes: 15,
					Urgent:               alert.UrgentResponse,
					Operation:            OperationEscalateAlert,
					Context: map[string]any{
						"category": alert.Category,
						"severity": string(alert.Severity),
						"evidence": alert.Evidence,
					},
				},
				severity:   alert.Severity,
				confidence: alert.Confidence,
			})
		}

		if isCrisisCategory(alert.Category) {
			out = append(out, candidate{
				action: entities.SmartAction{
					Type:                 entities.ActionTypeSafety,
					Title:                "Initiate crisis intervention protocol",
					Description:          fmt.Sprintf("Follow the crisis protocol for the %s concern raised in this session", label),
					RequiresConfirmation: true,
					EstimatedTimeMinutes: 30,
					Urgent:               true,
					Operation:            OperationCrisisIntervention,
					Context: map[string]any{
						"category": alert.Category,
						"severity": string(alert.Severity),
					},
				},
				severity:   alert.Severity,
				confidence: alert.Confidence,
			})
		}
	}

	if insight.RiskScore >= followUpRiskScore {
		out = append(out, candidate{
			action: entities.SmartAction{
				Type:                 entities.ActionTypeSafety,
				Title:                "Schedule safety follow-up",
				Description:          fmt.Sprintf("Risk score %.0f warrants a follow-up contact before the next session", insight.RiskScore),
				EstimatedTimeMinutes: 10,
				Operation:            OperationScheduleFollowUp,
				Context: map[string]any{
					"risk_score":   insight.RiskScore,
					"overall_risk": string(insight.OverallRisk),
				},
			},
			severity:   insight.OverallRisk,
			confidence: insight.Confidence,
		})
	}

	if highest := highestAlertSeverity(insight.Alerts); highest.IsHighOrCritical() {
		out = append(out, candidate{
			action: entities.SmartAction{
				Type:                 entities.ActionTypeSafety,
				Title:                "Update safety plan",
				Description:          "Review and update the patient's safety plan with the concerns raised in this session",
				RequiresConfirmation: true,
				EstimatedTimeMinutes: 20,
				Operation:            OperationUpdateSafetyPlan,
				Context: map[string]any{
					"protective_factors": insight.ProtectiveFactors,
				},
			},
			severity:   highest,
			confidence: insight.Confidence,
		})
	}

	return out
}

func billingCandidates(insight *entities.BillingInsight) []candidate {
	var out []candidate

	var approve, review []entities.BillingCode
	for _, code := range insight.CPTCodes {
		switch {
		case code.Confidence >= highConfidenceThreshold:
			approve = append(approve, code)
		case code.Confidence >= reviewConfidenceThreshold:
			review = append(review, code)
		}
	}

	if len(approve) > 0 {
		out = append(out, candidate{
			action: entities.SmartAction{
				Type:                 entities.ActionTypeBilling,
				Title:                "Approve billing codes",
				Description:          fmt.Sprintf("Approve %d high-confidence CPT code(s): %s", len(approve), joinCodes(approve)),
				RequiresConfirmation: true,
				EstimatedTimeMinutes: 5,
				Operation:            OperationApproveCodes,
				Context:              map[string]any{"codes": codeList(approve)},
			},
			severity:   entities.RiskLevelModerate,
			confidence: meanConfidence(approve),
		})
	}

	if len(review) > 0 {
		out = append(out, candidate{
			action: entities.SmartAction{
				Type:                 entities.ActionTypeBilling,
				Title:                "Review billing codes",
				Description:          fmt.Sprintf("Review %d CPT code(s) with moderate confidence: %s", len(review), joinCodes(review)),
				EstimatedTimeMinutes: 10,
				Operation:            OperationReviewCodes,
				Context:              map[string]any{"codes": codeList(review)},
			},
			severity:   entities.RiskLevelModerate,
			confidence: meanConfidence(review),
		})
	}

	for _, issue := range insight.ComplianceIssues {
		out = append(out, candidate{
			action: entities.SmartAction{
				Type:                 entities.ActionTypeBilling,
				Title:                fmt.Sprintf("Resolve compliance issue: %s", issue.Issue),
				Description:          issue.Recommendation,
				EstimatedTimeMinutes: 10,
				Operation:            OperationResolveCompliance,
				Context:              map[string]any{"issue": issue.Issue, "severity": string(issue.Severity)},
			},
			severity:   issue.Severity,
			confidence: insight.OverallConfidence,
		})
	}

	return out
}

func progressCandidates(insight *entities.ProgressInsight) []candidate {
	var out []candidate

	for _, goal := range insight.Goals {
		label := goal.Description
		if label == "" {
			label = goal.GoalID
		}

		if goal.Status == entities.GoalStatusAchieved {
			out = append(out, candidate{
				action: entities.SmartAction{
					Type:                 entities.ActionTypeProgress,
					Title:                fmt.Sprintf("Document achievement: %s", label),
					Description:          "Record the achieved goal in the treatment plan",
					EstimatedTimeMinutes: 5,
					Operation:            OperationDocumentAchievement,
					Context:              map[string]any{"goal_id": goal.GoalID},
				},
				severity:   entities.RiskLevelLow,
				confidence: goal.Confidence,
			})
		}

		if len(goal.Barriers) > 0 {
			out = append(out, candidate{
				action: entities.SmartAction{
					Type:                 entities.ActionTypeProgress,
					Title:                fmt.Sprintf("Address barriers: %s", label),
					Description:          strings.Join(goal.Barriers, "; "),
					EstimatedTimeMinutes: 10,
					Operation:            OperationAddressBarriers,
					Context:              map[string]any{"goal_id": goal.GoalID, "barriers": goal.Barriers},
				},
				severity:   entities.RiskLevelModerate,
				confidence: goal.Confidence,
			})
		}
	}

	if insight.OverallEffectiveness == entities.EffectivenessLow {
		out = append(out, candidate{
			action: entities.SmartAction{
				Type:                 entities.ActionTypeProgress,
				Title:                "Consider treatment adjustment",
				Description:          "Overall treatment effectiveness is low",
				RequiresConfirmation: true,
				EstimatedTimeMinutes: 20,
				Operation:            OperationAdjustTreatment,
				Context:              map[string]any{"recommendations": insight.Recommendations},
			},
			severity:   entities.RiskLevelHigh,
			confidence: insight.Confidence,
		})
	}

	return out
}

func noteCandidates(insight *entities.NoteInsight) []candidate {
	return []candidate{{
		action: entities.SmartAction{
			Type:                 entities.ActionTypeNote,
			Title:                "Review and sign session note",
			Description:          fmt.Sprintf("Review the drafted %s note (%d words) and sign it", strings.ToUpper(insight.Format), insight.WordCount),
			RequiresConfirmation: true,
			EstimatedTimeMinutes: 10,
			Operation:            OperationSignNote,
			Context:              map[string]any{"format": insight.Format},
		},
		severity:   entities.RiskLevelModerate,
		confidence: insight.Confidence,
	}}
}

func isCrisisCategory(category string) bool {
	return strings.Contains(category, "suicid") || strings.Contains(category, "self-harm")
}

func alertLabel(alert entities.SafetyAlert) string {
	if alert.Category == "" {
		return string(alert.Severity)
	}
	return strings.ReplaceAll(alert.Category, "-", " ")
}

func highestAlertSeverity(alerts []entities.SafetyAlert) entities.RiskLevel {
	highest := entities.RiskLevelLow
	for _, a := range alerts {
		if a.Severity.Rank() > highest.Rank() {
			highest = a.Severity
		}
	}
	return highest
}

func joinCodes(codes []entities.BillingCode) string {
	return strings.Join(codeList(codes), ", ")
}

func codeList(codes []entities.BillingCode) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, c.Code)
	}
	return out
}
