package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type quoteCommissionQuery struct {
	Amount     string `form:"amount"`
	ProviderID string `form:"provider_id"`
}

// QuoteCommission previews the commission a provider would pay on an amount today.
func (s *Server) QuoteCommission(c *gin.Context) {
	var query quoteCommissionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	amount, err := parseDecimal(query.Amount)
	if err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
		return
	}
	providerID, err := parseSnowflakeID(query.ProviderID)
	if err != nil {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider_id", "invalid provider id"))
		return
	}

	calc, err := s.commissionSvc.Calculate(c.Request.Context(), amount, providerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": calc})
}
