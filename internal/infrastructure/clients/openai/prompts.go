package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
)

const sharedInstructions = `You review transcripts of behavioral health therapy sessions for a licensed clinician. Return ONLY valid JSON matching the schema below, with no commentary. Base every finding on the transcript; do not invent facts. Confidence values are numbers between 0 and 1.`

var systemPrompts = map[entities.PipelineKind]string{
	entities.PipelineKindSafety: sharedInstructions + `
Schema:
{
  "riskAssessment": {
    "overallRisk": "low" | "moderate" | "high" | "critical",
    "riskScore": number (0-100),
    "protectiveFactors": string[]
  },
  "alerts": [{
    "category": string (kebab-case, e.g. "suicidal-ideation", "self-harm", "substance-use", "abuse"),
    "severity": "low" | "moderate" | "high" | "critical",
    "description": string,
    "evidence": string (short quote),
    "escalationRequired": boolean,
    "urgentResponse": boolean,
    "confidence": number
  }],
  "confidence": number
}
Flag any statement of intent, plan or means for self-harm or harm to others as critical.`,

	entities.PipelineKindBilling: sharedInstructions + `
Schema:
{
  "cptCodes": [{"code": string, "description": string, "confidence": number}],
  "icd10Codes": [{"code": string, "description": string, "confidence": number}],
  "complianceIssues": [{"issue": string, "severity": "low" | "moderate" | "high", "recommendation": string}],
  "overallConfidence": number
}
Use the session duration to choose between psychotherapy time-based codes. Report documentation gaps as compliance issues.`,

	entities.PipelineKindProgress: sharedInstructions + `
Schema:
{
  "overallEffectiveness": "poor" | "moderate" | "good" | "excellent",
  "goals": [{
    "goalId": string,
    "description": string,
    "status": "not_started" | "in_progress" | "achieved" | "regressed",
    "progress": number (0-100),
    "evidence": string[],
    "barriers": string[],
    "confidence": number
  }],
  "recommendations": string[],
  "confidence": number
}
Evaluate each treatment goal provided. Use the goal ids given.`,

	entities.PipelineKindNote: sharedInstructions + `
Schema:
{
  "format": string,
  "sections": [{"title": string, "content": string}],
  "wordCount": number,
  "confidence": number
}
Write the note in the requested format (e.g. SOAP: subjective, objective, assessment, plan). Use clinical, concise language.`,
}

var maxOutputTokens = map[entities.PipelineKind]int{
	entities.PipelineKindSafety:   1200,
	entities.PipelineKindBilling:  900,
	entities.PipelineKindProgress: 1200,
	entities.PipelineKindNote:     2000,
}

// buildUserPrompt renders the transcript followed by the remaining variables as JSON
func buildUserPrompt(kind entities.PipelineKind, variables map[string]any) (string, error) {
	transcript, _ := variables["transcript"].(string)
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("%s analysis requires a transcript", kind)
	}

	extra := make(map[string]any, len(variables))
	for k, v := range variables {
		if k != "transcript" {
			extra[k] = v
		}
	}

	var b strings.Builder
	if len(extra) > 0 {
		encoded, err := json.Marshal(extra)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s analysis context: %w", kind, err)
		}
		fmt.Fprintf(&b, "Session context: %s\n\n", encoded)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String(), nil
}
