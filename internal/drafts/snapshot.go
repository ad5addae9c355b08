package drafts

import (
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/scoring"
)

// ItemEntry is the rating and note captured for one checklist item.
type ItemEntry struct {
	Rating scoring.RawRating `json:"rating"`
	Note   string            `json:"note,omitempty"`
}

func (e ItemEntry) empty() bool {
	return e.Rating == "" && e.Note == ""
}

// Items maps canonical item keys to their entries.
type Items map[string]ItemEntry

// normalizeEntries canonicalizes keys and values. Keys that do not name an item are
// dropped; entries with neither rating nor note are reported as blank keys.
func normalizeEntries(raw Items) (Items, []string) {
	normalized := make(Items, len(raw))
	var blank []string
	for rawKey, entry := range raw {
		itemID, ok := scoring.ParseItemKey(rawKey)
		if !ok {
			continue
		}
		key := strconv.FormatUint(itemID, 10)
		clean := ItemEntry{
			Rating: scoring.RawRating(strings.TrimSpace(string(entry.Rating))),
			Note:   strings.TrimSpace(entry.Note),
		}
		if clean.empty() {
			blank = append(blank, key)
			continue
		}
		normalized[key] = clean
	}
	return normalized, blank
}

// Ratings projects the entries onto the scoring input.
func (items Items) Ratings() map[string]scoring.RawRating {
	ratings := make(map[string]scoring.RawRating, len(items))
	for key, entry := range items {
		ratings[key] = entry.Rating
	}
	return ratings
}

func (items Items) clone() Items {
	if items == nil {
		return Items{}
	}
	copied := make(Items, len(items))
	for key, entry := range items {
		copied[key] = entry
	}
	return copied
}

// Content is the part of a draft that inspectors edit.
type Content struct {
	Items        Items
	Observations string
}

// Equal reports value equality of two normalized contents, independent of key order.
func (c Content) Equal(other Content) bool {
	if c.Observations != other.Observations {
		return false
	}
	if len(c.Items) != len(other.Items) {
		return false
	}
	for key, entry := range c.Items {
		otherEntry, ok := other.Items[key]
		if !ok || otherEntry != entry {
			return false
		}
	}
	return true
}

// Confirmation records the reviewer who co-signed the current draft content.
type Confirmation struct {
	ConfirmerID   string    `json:"confirmer_id"`
	ConfirmerName string    `json:"confirmer_name"`
	ConfirmerRole string    `json:"confirmer_role"`
	SignatureRef  string    `json:"confirmation_signature_ref"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// Snapshot is the latest in-progress state of an establishment's inspection.
type Snapshot struct {
	EstablishmentID           catalog.EstablishmentID `json:"establishment_id"`
	InspectionID              uint64                  `json:"inspection_id,omitempty"`
	ContributingInspectorID   string                  `json:"contributing_inspector_id"`
	ContributingInspectorName string                  `json:"contributing_inspector_name,omitempty"`
	Items                     Items                   `json:"items"`
	Observations              string                  `json:"observations"`
	Summary                   scoring.Summary         `json:"summary"`
	ConfirmedByReviewer       bool                    `json:"confirmed_by_reviewer"`
	Confirmation              *Confirmation           `json:"confirmation"`
	Revision                  int64                   `json:"revision"`
	CreatedAt                 time.Time               `json:"created_at"`
	UpdatedAt                 time.Time               `json:"updated_at"`
}

// Content returns the editable part of the snapshot.
func (s Snapshot) Content() Content {
	return Content{Items: s.Items, Observations: s.Observations}
}

// Clone returns a deep copy that shares no mutable state with s.
func (s Snapshot) Clone() Snapshot {
	copied := s
	copied.Items = s.Items.clone()
	if s.Confirmation != nil {
		confirmation := *s.Confirmation
		copied.Confirmation = &confirmation
	}
	return copied
}

func (s *Snapshot) clearConfirmation() {
	s.ConfirmedByReviewer = false
	s.Confirmation = nil
}
