package entities

// TreatmentGoal is a goal the progress pipeline evaluates against
type TreatmentGoal struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// ClinicalContext carries the optional clinical inputs next to the transcript
type ClinicalContext struct {
	SessionType            string          `json:"session_type,omitempty"`
	SessionDurationMinutes int             `json:"session_duration_minutes,omitempty"`
	TreatmentGoals         []TreatmentGoal `json:"treatment_goals,omitempty"`
	NoteFormat             string          `json:"note_format,omitempty"`
	Diagnoses              []string        `json:"diagnoses,omitempty"`
}

// AnalysisContext is the input to one run. It is not modified after the run starts.
type AnalysisContext struct {
	SessionID      string                          `json:"session_id"`
	PatientID      string                          `json:"patient_id"`
	TranscriptText string                          `json:"transcript_text"`
	RequesterID    string                          `json:"requester_id"`
	OrganizationID string                          `json:"organization_id"`
	Clinical       ClinicalContext                 `json:"clinical"`
	Config         map[PipelineKind]PipelineConfig `json:"config,omitempty"`
}
