package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/live"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details gin.H  `json:"details,omitempty"`
}

type codedError interface {
	Code() string
}

// respondError maps core errors onto status codes. Expected rejections carry the
// details a client needs to explain them; only infrastructure failures are logged.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var (
		validation *live.ValidationError
		exceeded   *quota.ExceededError
		confirmed  *drafts.AlreadyConfirmedError
		coded      codedError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "validation_failed",
			Message: err.Error(),
			Details: gin.H{"field": validation.Field, "reason": validation.Reason},
		})
	case errors.As(err, &exceeded):
		c.JSON(http.StatusConflict, errorResponse{
			Error:   "quota_exceeded",
			Message: err.Error(),
			Details: gin.H{
				"establishment_id": exceeded.EstablishmentID,
				"iso_week":         exceeded.ISOWeek,
				"iso_year":         exceeded.ISOYear,
				"week_start":       exceeded.WeekStart,
				"week_end":         exceeded.WeekEnd,
				"realized":         exceeded.Realized,
				"meta":             exceeded.Meta,
			},
		})
	case errors.As(err, &confirmed):
		c.JSON(http.StatusConflict, errorResponse{
			Error:   "already_confirmed",
			Message: err.Error(),
			Details: gin.H{
				"confirmer_id":   confirmed.ConfirmerID,
				"confirmer_name": confirmed.ConfirmerName,
				"confirmer_role": confirmed.ConfirmerRole,
				"confirmed_at":   confirmed.ConfirmedAt.UTC().Format(time.RFC3339),
			},
		})
	case errors.Is(err, live.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden", Message: err.Error()})
	case errors.Is(err, live.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, live.ErrTerminalState):
		c.JSON(http.StatusConflict, errorResponse{Error: "inspection_completed", Message: err.Error()})
	case errors.As(err, &coded):
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("code", coded.Code()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: coded.Code(), Message: "the request could not be completed"})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "the request could not be completed"})
	}
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: code, Message: message})
}
