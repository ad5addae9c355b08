package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/live"
	"github.com/MarcoPoloResearchLab/inspecta/internal/scoring"
	"github.com/gin-gonic/gin"
)

const (
	opStartInspection  = "start_inspection"
	opGetDraft         = "get_draft"
	opEditDraft        = "edit_draft"
	opDiscardDraft     = "discard_draft"
	opConfirmDraft     = "confirm_draft"
	opTakeOver         = "take_over"
	opFinalize         = "finalize"
	opWeeklyPlan       = "get_weekly_plan"
	opOverrideWeekMeta = "override_week_meta"
	opSetDefaultMeta   = "set_default_meta"
)

func establishmentParam(c *gin.Context) (catalog.EstablishmentID, bool) {
	id, err := catalog.NewEstablishmentID(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid_establishment_id", err.Error())
		return 0, false
	}
	return id, true
}

// bindOptionalJSON decodes the body when one was sent.
func bindOptionalJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid_request", err.Error())
		return false
	}
	return true
}

type startInspectionRequest struct {
	BusinessDate string `json:"business_date"`
}

func (h *httpHandler) handleStartInspection(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	var request startInspectionRequest
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.live.StartInspection(c.Request.Context(), actorFrom(c), id, request.BusinessDate)
	if err != nil {
		h.respondError(c, opStartInspection, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

type draftResponse struct {
	Draft *drafts.Snapshot `json:"draft"`
}

func (h *httpHandler) handleGetDraft(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	snapshot, found, err := h.live.GetDraft(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.respondError(c, opGetDraft, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, draftResponse{})
		return
	}
	c.JSON(http.StatusOK, draftResponse{Draft: &snapshot})
}

type editDraftRequest struct {
	Items        drafts.Items `json:"items"`
	ReplaceItems bool         `json:"replace_items"`
	Observations *string      `json:"observations"`
}

type editDraftResponse struct {
	Draft               drafts.Snapshot `json:"draft"`
	Summary             scoring.Summary `json:"summary"`
	Changed             bool            `json:"changed"`
	ConfirmationCleared bool            `json:"confirmation_cleared"`
}

func (h *httpHandler) handleEditDraft(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	var request editDraftRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	result, err := h.live.EditDraft(c.Request.Context(), actorFrom(c), id, live.DraftEdit{
		Items:        request.Items,
		ReplaceItems: request.ReplaceItems,
		Observations: request.Observations,
	})
	if err != nil {
		h.respondError(c, opEditDraft, err)
		return
	}
	c.JSON(http.StatusOK, editDraftResponse{
		Draft:               result.Draft,
		Summary:             result.Draft.Summary,
		Changed:             result.Changed,
		ConfirmationCleared: result.ConfirmationCleared,
	})
}

func (h *httpHandler) handleDiscardDraft(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	if err := h.live.DiscardDraft(c.Request.Context(), actorFrom(c), id); err != nil {
		h.respondError(c, opDiscardDraft, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type confirmDraftRequest struct {
	SignatureRef string `json:"signature_ref"`
}

func (h *httpHandler) handleConfirmDraft(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	var request confirmDraftRequest
	if !bindOptionalJSON(c, &request) {
		return
	}
	snapshot, err := h.live.ConfirmDraft(c.Request.Context(), actorFrom(c), id, request.SignatureRef)
	if err != nil {
		h.respondError(c, opConfirmDraft, err)
		return
	}
	c.JSON(http.StatusOK, draftResponse{Draft: &snapshot})
}

func (h *httpHandler) handleTakeOver(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	result, err := h.live.TakeOver(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.respondError(c, opTakeOver, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type finalizeRequest struct {
	Items        drafts.Items `json:"items"`
	Observations *string      `json:"observations"`
}

func (h *httpHandler) handleFinalize(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	var request finalizeRequest
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.live.Finalize(c.Request.Context(), actorFrom(c), id, live.FinalizeInput{
		Items:        request.Items,
		Observations: request.Observations,
	})
	if err != nil {
		h.respondError(c, opFinalize, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleWeeklyPlan(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	offset := 0
	if raw := strings.TrimSpace(c.Query("week_offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid_week_offset", "week_offset must be an integer")
			return
		}
		offset = parsed
	}
	plan, err := h.live.GetWeeklyPlan(c.Request.Context(), actorFrom(c), id, offset)
	if err != nil {
		h.respondError(c, opWeeklyPlan, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

type metaRequest struct {
	Meta               *int `json:"meta"`
	ApplyToCurrentWeek bool `json:"apply_to_current_week"`
}

func (h *httpHandler) handleOverrideWeekMeta(c *gin.Context) {
	id, ok := establishmentParam(c)
	if !ok {
		return
	}
	var request metaRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Meta == nil {
		badRequest(c, "invalid_request", "meta is required")
		return
	}
	ledger, err := h.live.OverrideWeekMeta(c.Request.Context(), actorFrom(c), id, *request.Meta)
	if err != nil {
		h.respondError(c, opOverrideWeekMeta, err)
		return
	}
	c.JSON(http.StatusOK, ledger)
}

func (h *httpHandler) handleSetDefaultMeta(c *gin.Context) {
	var request metaRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Meta == nil {
		badRequest(c, "invalid_request", "meta is required")
		return
	}
	updated, err := h.live.SetDefaultMeta(c.Request.Context(), actorFrom(c), *request.Meta, request.ApplyToCurrentWeek)
	if err != nil {
		h.respondError(c, opSetDefaultMeta, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"default_meta":              *request.Meta,
		"apply_to_current_week":     request.ApplyToCurrentWeek,
		"current_week_rows_updated": updated,
	})
}
