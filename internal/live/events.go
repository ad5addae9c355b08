package live

import (
	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"github.com/MarcoPoloResearchLab/inspecta/internal/realtime"
	"github.com/MarcoPoloResearchLab/inspecta/internal/scoring"
)

// Room event names.
const (
	EventInspectionStarted = "inspection_started"
	EventDraftUpdated      = "draft_updated"
	EventDraftConfirmed    = "draft_confirmed"
	EventDraftHandoff      = "draft_handoff"
	EventDraftReset        = "draft_reset"
	EventDraftDiscarded    = "draft_discarded"
)

// Publisher fans events out to a room.
type Publisher interface {
	Publish(room, event string, payload any) realtime.Event
}

// DraftEvent is the payload of every room event.
type DraftEvent struct {
	EstablishmentID     uint64                  `json:"establishment_id"`
	ActorID             string                  `json:"actor_id"`
	ActorName           string                  `json:"actor_name,omitempty"`
	Draft               *drafts.Snapshot        `json:"draft,omitempty"`
	Inspection          *inspections.Inspection `json:"inspection,omitempty"`
	Summary             *scoring.Summary        `json:"summary,omitempty"`
	ConfirmationCleared bool                    `json:"confirmation_cleared,omitempty"`
	PreviousInspectorID string                  `json:"previous_inspector_id,omitempty"`
}

func (s *Service) publish(establishmentID, inspectionID uint64, event string, payload DraftEvent) {
	s.publisher.Publish(realtime.EstablishmentRoom(establishmentID), event, payload)
	if inspectionID != 0 {
		s.publisher.Publish(realtime.InspectionRoom(inspectionID), event, payload)
	}
}
