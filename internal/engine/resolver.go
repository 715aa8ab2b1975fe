package engine

import (
	"github.com/google/uuid"

	"github.com/atelier-ai/kiln/internal/model"
)

// Outcome is the completion resolver's verdict on a request's current state.
// When Terminal is false the loop continues and the other fields are zero.
type Outcome struct {
	Terminal     bool
	Status       model.RequestStatus
	Reason       model.CompletionReason
	FinalImageID *uuid.UUID
}

// Resolve decides the terminal outcome from the request state after an
// iteration append. Rules are evaluated in strict order, first match wins:
//
//  1. cancellation signal observed → CANCELLED
//  2. latest score at or above the target threshold → COMPLETED / SUCCESS
//  3. iteration budget exhausted → COMPLETED / MAX_RETRIES_REACHED
//  4. scores plateaued over the configured window → COMPLETED / DIMINISHING_RETURNS
//  5. otherwise the loop continues
//
// For (3) and (4) the final image is the selected image of the globally
// best-scoring iteration, earliest iteration winning ties. Provider failures
// are not resolved here; the loop controller records them as FAILED/ERROR
// directly.
func Resolve(req model.GenerationRequest, cancelRequested bool) Outcome {
	if cancelRequested {
		return Outcome{Terminal: true, Status: model.StatusCancelled, Reason: model.ReasonCancelled}
	}

	latest, ok := req.LatestIteration()
	if ok && latest.AggregateScore >= req.Threshold {
		return Outcome{
			Terminal:     true,
			Status:       model.StatusCompleted,
			Reason:       model.ReasonSuccess,
			FinalImageID: latest.SelectedImageID,
		}
	}

	if req.CurrentIteration >= req.MaxIterations {
		return bestEffortOutcome(req, model.ReasonMaxRetriesReached)
	}

	if IsPlateauing(AggregateScores(req.Iterations), req.ImageParams.PlateauWindowSize, req.ImageParams.PlateauThreshold) {
		return bestEffortOutcome(req, model.ReasonDiminishingReturn)
	}

	return Outcome{}
}

func bestEffortOutcome(req model.GenerationRequest, reason model.CompletionReason) Outcome {
	out := Outcome{Terminal: true, Status: model.StatusCompleted, Reason: reason}
	if best, ok := BestIteration(req.Iterations); ok {
		out.FinalImageID = best.SelectedImageID
	}
	return out
}
