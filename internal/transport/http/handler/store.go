package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Sapphire-Bridge/rag-foundation/internal/app"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/transport/http/middleware"
	"github.com/Sapphire-Bridge/rag-foundation/internal/transport/http/response"
)

type StoreHandler struct {
	storeService *app.StoreService
}

func NewStoreHandler(storeService *app.StoreService) *StoreHandler {
	return &StoreHandler{storeService: storeService}
}

type CreateStoreRequest struct {
	Name string `json:"name" binding:"required,min=1,max=100"`
}

func currentUserID(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "user not found in token")
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return 0, false
	}
	return userID, true
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func storeView(store *model.Store) gin.H {
	return gin.H{
		"id":         store.ID,
		"name":       store.DisplayName,
		"created_at": store.CreatedAt,
	}
}

func (h *StoreHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req CreateStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	store, err := h.storeService.Create(c.Request.Context(), userID, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrStoreNameInvalid):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "create store failed")
		}
		return
	}
	response.OK(c, storeView(store))
}

func (h *StoreHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	stores, err := h.storeService.List(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list stores failed")
		return
	}

	views := make([]gin.H, 0, len(stores))
	for i := range stores {
		views = append(views, storeView(&stores[i]))
	}
	response.OK(c, gin.H{"stores": views})
}

func (h *StoreHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}

	store, err := h.storeService.Get(c.Request.Context(), userID, storeID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrStoreNotFound):
			response.Error(c, http.StatusNotFound, response.CodeStoreNotFound, "store not found")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get store failed")
		}
		return
	}
	response.OK(c, storeView(store))
}

func (h *StoreHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.storeService.Delete(c.Request.Context(), userID, storeID); err != nil {
		switch {
		case errors.Is(err, app.ErrStoreNotFound):
			response.Error(c, http.StatusNotFound, response.CodeStoreNotFound, "store not found")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete store failed")
		}
		return
	}
	response.OK(c, nil)
}

func (h *StoreHandler) Restore(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}

	store, err := h.storeService.Restore(c.Request.Context(), userID, storeID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrStoreNotFound):
			response.Error(c, http.StatusNotFound, response.CodeStoreNotFound, "store not found")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "restore store failed")
		}
		return
	}
	response.OK(c, storeView(store))
}
