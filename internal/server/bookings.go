package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	cancellationdomain "github.com/smallbiznis/marketpay/internal/cancellation/domain"
)

type cancelBookingRequest struct {
	CancelledBy  string `json:"cancelled_by"`
	Reason       string `json:"reason"`
	ApplyPenalty *bool  `json:"apply_penalty"`
}

// CancelBooking cancels a booking and refunds its payment. Penalties apply unless
// the caller waives them with apply_penalty=false.
func (s *Server) CancelBooking(c *gin.Context) {
	bookingID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid booking id"))
		return
	}

	var req cancelBookingRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	applyPenalty := true
	if req.ApplyPenalty != nil {
		applyPenalty = *req.ApplyPenalty
	}

	result, err := s.cancellations.Cancel(c.Request.Context(), cancellationdomain.CancelRequest{
		BookingID:    bookingID,
		CancelledBy:  strings.TrimSpace(req.CancelledBy),
		Reason:       strings.TrimSpace(req.Reason),
		ApplyPenalty: applyPenalty,
		ActorID:      actorIDFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
