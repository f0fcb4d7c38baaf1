package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Sapphire-Bridge/rag-foundation/internal/app"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/transport/http/response"
)

type DocumentHandler struct {
	documentService *app.DocumentService
}

func NewDocumentHandler(documentService *app.DocumentService) *DocumentHandler {
	return &DocumentHandler{documentService: documentService}
}

func documentView(doc *model.Document) gin.H {
	view := gin.H{
		"id":         doc.ID,
		"store_id":   doc.StoreID,
		"filename":   doc.Filename,
		"size_bytes": doc.SizeBytes,
		"status":     doc.Status,
		"created_at": doc.CreatedAt,
	}
	if doc.LastError != "" {
		view["last_error"] = doc.LastError
	}
	return view
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "a file field is required")
		return
	}

	result, err := h.documentService.Upload(c.Request.Context(), userID, storeID, header)
	if err != nil {
		h.writeError(c, err, "upload failed")
		return
	}
	response.OK(c, gin.H{
		"document":         documentView(result.Document),
		"estimated_tokens": result.EstimatedTokens,
		"estimated_cost":   result.EstimatedCost,
	})
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}

	docs, err := h.documentService.List(c.Request.Context(), userID, storeID)
	if err != nil {
		h.writeError(c, err, "list documents failed")
		return
	}
	views := make([]gin.H, 0, len(docs))
	for i := range docs {
		views = append(views, documentView(&docs[i]))
	}
	response.OK(c, gin.H{"documents": views})
}

func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	documentID, ok := pathID(c, "docID")
	if !ok {
		return
	}

	doc, err := h.documentService.Get(c.Request.Context(), userID, storeID, documentID)
	if err != nil {
		h.writeError(c, err, "fetch document failed")
		return
	}
	response.OK(c, documentView(doc))
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	documentID, ok := pathID(c, "docID")
	if !ok {
		return
	}

	if err := h.documentService.Delete(c.Request.Context(), userID, storeID, documentID); err != nil {
		h.writeError(c, err, "delete document failed")
		return
	}
	response.OK(c, nil)
}

// Retry re-enqueues a failed document. An optional fresh file replaces the
// original upload.
func (h *DocumentHandler) Retry(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	storeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	documentID, ok := pathID(c, "docID")
	if !ok {
		return
	}
	header, _ := c.FormFile("file")

	doc, err := h.documentService.Retry(c.Request.Context(), userID, storeID, documentID, header)
	if err != nil {
		h.writeError(c, err, "retry document failed")
		return
	}
	response.OK(c, documentView(doc))
}

func (h *DocumentHandler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrStoreNotFound):
		response.Error(c, http.StatusNotFound, response.CodeStoreNotFound, "store not found")
	case errors.Is(err, app.ErrDocumentNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, "document not found")
	case errors.Is(err, app.ErrFileTooLarge):
		response.Error(c, http.StatusBadRequest, response.CodeFileTooLarge, err.Error())
	case errors.Is(err, app.ErrFileTypeForbidden):
		response.Error(c, http.StatusBadRequest, response.CodeFileTypeForbidden, err.Error())
	case errors.Is(err, app.ErrDocumentNotFailed):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
