package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Sapphire-Bridge/rag-foundation/internal/app"
	"github.com/Sapphire-Bridge/rag-foundation/internal/transport/http/response"
)

type CostHandler struct {
	costService *app.CostService
}

func NewCostHandler(costService *app.CostService) *CostHandler {
	return &CostHandler{costService: costService}
}

func (h *CostHandler) Usage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	summary, err := h.costService.Usage(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "fetch usage failed")
		return
	}
	response.OK(c, summary)
}

func (h *CostHandler) RecentQueries(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := h.costService.RecentQueries(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "fetch query log failed")
		return
	}
	views := make([]gin.H, 0, len(logs))
	for _, entry := range logs {
		view := gin.H{
			"model":             entry.Model,
			"prompt_tokens":     entry.PromptTokens,
			"completion_tokens": entry.CompletionTokens,
			"cost_usd":          entry.CostUSD,
			"created_at":        entry.CreatedAt,
		}
		if entry.ErrorCode != "" {
			view["error_code"] = entry.ErrorCode
		}
		views = append(views, view)
	}
	response.OK(c, gin.H{"queries": views})
}

type SetBudgetRequest struct {
	LimitUSD decimal.Decimal `json:"limit_usd" binding:"required"`
}

func (h *CostHandler) SetBudget(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req SetBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	if err := h.costService.SetBudget(c.Request.Context(), userID, req.LimitUSD); err != nil {
		switch {
		case errors.Is(err, app.ErrBudgetInvalid):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "set budget failed")
		}
		return
	}
	response.OK(c, nil)
}

func (h *CostHandler) ClearBudget(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.costService.ClearBudget(c.Request.Context(), userID); err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "clear budget failed")
		return
	}
	response.OK(c, nil)
}
