package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// CapabilityJudge marks an agent as able to score candidate images.
const CapabilityJudge = "judge"

// JudgeAgent is an org-scoped agent record from the agent registry. Judges
// are data, not subclasses: every judge is dispatched through the same
// evaluate capability, and Weight sets its relative importance when scores
// are aggregated.
type JudgeAgent struct {
	ID           uuid.UUID `json:"id"`
	OrgID        uuid.UUID `json:"org_id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Weight       float64   `json:"weight"`
	Rubric       *string   `json:"rubric,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CanJudge reports whether the agent carries the judge capability.
func (a JudgeAgent) CanJudge() bool {
	return slices.Contains(a.Capabilities, CapabilityJudge)
}
