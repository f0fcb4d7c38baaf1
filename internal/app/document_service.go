package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Sapphire-Bridge/rag-foundation/internal/config"
	"github.com/Sapphire-Bridge/rag-foundation/internal/cost"
	"github.com/Sapphire-Bridge/rag-foundation/internal/ingest"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/pkg/pdfextract"
	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrFileTooLarge      = errors.New("file exceeds the maximum allowed size")
	ErrFileTypeForbidden = errors.New("file type is not allowed")
	ErrDocumentNotFailed = errors.New("only failed documents can be retried")
)

// JobPublisher enqueues ingestion jobs.
type JobPublisher interface {
	Publish(ctx context.Context, job ingest.Job) error
}

type DocumentService struct {
	stores    *repository.StoreRepository
	documents *repository.DocumentRepository
	publisher JobPublisher
	client    rag.Client
	engine    *cost.Engine
	upload    config.UploadConfig
	log       zerolog.Logger
}

func NewDocumentService(
	stores *repository.StoreRepository,
	documents *repository.DocumentRepository,
	publisher JobPublisher,
	client rag.Client,
	engine *cost.Engine,
	upload config.UploadConfig,
	log zerolog.Logger,
) *DocumentService {
	return &DocumentService{
		stores:    stores,
		documents: documents,
		publisher: publisher,
		client:    client,
		engine:    engine,
		upload:    upload,
		log:       log,
	}
}

// UploadResult is what the caller gets back immediately: the PENDING
// document and a token/cost estimate for the indexing that will follow.
type UploadResult struct {
	Document        *model.Document
	EstimatedTokens int64
	EstimatedCost   decimal.Decimal
}

// Upload stages the file to disk, records a PENDING document, and enqueues
// the ingestion job. Indexing itself happens in the worker.
func (s *DocumentService) Upload(ctx context.Context, userID, storeID uint, header *multipart.FileHeader) (*UploadResult, error) {
	store, err := s.stores.GetActiveOwned(ctx, storeID, userID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrStoreNotFound
	}

	if s.upload.MaxSizeBytes > 0 && header.Size > s.upload.MaxSizeBytes {
		return nil, ErrFileTooLarge
	}
	filename := sanitizeFilename(header.Filename)
	suffix := strings.ToLower(filepath.Ext(filename))
	if !s.suffixAllowed(suffix) {
		return nil, ErrFileTypeForbidden
	}

	localPath, err := s.stage(header, suffix)
	if err != nil {
		return nil, err
	}

	doc := &model.Document{
		StoreID:     store.ID,
		Filename:    filename,
		DisplayName: strings.TrimSuffix(filename, suffix),
		SizeBytes:   header.Size,
		Status:      model.DocumentPending,
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		s.discard(localPath)
		return nil, err
	}

	mimeType := header.Header.Get("Content-Type")
	job := ingest.Job{
		StoreID:    store.ID,
		DocumentID: doc.ID,
		LocalPath:  localPath,
		MimeType:   mimeType,
	}
	if err := s.publisher.Publish(ctx, job); err != nil {
		s.discard(localPath)
		doc.SetStatus(model.DocumentError, time.Now())
		doc.LastError = "failed to enqueue ingestion"
		if saveErr := s.documents.Save(ctx, doc); saveErr != nil {
			s.log.Error().Uint("document_id", doc.ID).Err(saveErr).Msg("mark enqueue failure failed")
		}
		return nil, fmt.Errorf("enqueue ingest job failed: %w", err)
	}

	tokens := s.estimateTokens(localPath, suffix, header.Size, mimeType)
	return &UploadResult{
		Document:        doc,
		EstimatedTokens: tokens,
		EstimatedCost:   s.engine.CalcIndexCost(tokens, ""),
	}, nil
}

// estimateTokens prefers real extracted text for PDFs and falls back to the
// size heuristic for everything else.
func (s *DocumentService) estimateTokens(localPath, suffix string, size int64, mimeType string) int64 {
	if suffix == ".pdf" {
		if f, err := os.Open(localPath); err == nil {
			defer f.Close()
			if text, err := pdfextract.ExtractText(f); err == nil && text != "" {
				return cost.EstimateTokensFromText(text)
			}
		}
	}
	return cost.EstimateTokensFromBytes(size, mimeType)
}

func (s *DocumentService) stage(header *multipart.FileHeader, suffix string) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open uploaded file failed: %w", err)
	}
	defer src.Close()

	dir := s.upload.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir failed: %w", err)
	}
	dst, err := os.Create(filepath.Join(dir, uuid.NewString()+suffix))
	if err != nil {
		return "", fmt.Errorf("create temp file failed: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		s.discard(dst.Name())
		return "", fmt.Errorf("stage uploaded file failed: %w", err)
	}
	return dst.Name(), nil
}

func (s *DocumentService) discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Str("path", path).Err(err).Msg("temp file cleanup failed")
	}
}

func (s *DocumentService) suffixAllowed(suffix string) bool {
	if len(s.upload.AllowedSuffix) == 0 {
		return true
	}
	for _, allowed := range s.upload.AllowedSuffix {
		if suffix == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func (s *DocumentService) List(ctx context.Context, userID, storeID uint) ([]model.Document, error) {
	store, err := s.stores.GetActiveOwned(ctx, storeID, userID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrStoreNotFound
	}
	return s.documents.ListActiveByStore(ctx, store.ID)
}

// Delete soft-deletes the document and best-effort removes the remote file
// so it stops contributing to answers.
func (s *DocumentService) Delete(ctx context.Context, userID, storeID, documentID uint) error {
	doc, err := s.owned(ctx, userID, storeID, documentID)
	if err != nil {
		return err
	}

	doc.SoftDelete(userID)
	if err := s.documents.Save(ctx, doc); err != nil {
		return err
	}
	if doc.RemoteFileID != "" {
		if err := s.client.DeleteFile(ctx, doc.RemoteFileID); err != nil {
			s.log.Warn().Uint("document_id", doc.ID).Err(err).Msg("remote file delete failed")
		}
	}
	return nil
}

// Retry resets a failed document to PENDING and re-enqueues it. A recorded
// operation handle is kept so the worker resumes polling instead of
// re-uploading; documents without a handle need a fresh upload to succeed.
func (s *DocumentService) Retry(ctx context.Context, userID, storeID, documentID uint, header *multipart.FileHeader) (*model.Document, error) {
	doc, err := s.owned(ctx, userID, storeID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.DocumentError {
		return nil, ErrDocumentNotFailed
	}

	localPath := ""
	if header != nil {
		suffix := strings.ToLower(filepath.Ext(sanitizeFilename(header.Filename)))
		localPath, err = s.stage(header, suffix)
		if err != nil {
			return nil, err
		}
		// A fresh file invalidates whatever the failed attempt uploaded.
		doc.OpName = ""
		doc.RemoteFileID = ""
	}

	doc.SetStatus(model.DocumentPending, time.Now())
	doc.LastError = ""
	if err := s.documents.Save(ctx, doc); err != nil {
		s.discard(localPath)
		return nil, err
	}

	job := ingest.Job{StoreID: storeID, DocumentID: doc.ID, LocalPath: localPath}
	if err := s.publisher.Publish(ctx, job); err != nil {
		s.discard(localPath)
		return nil, fmt.Errorf("enqueue retry job failed: %w", err)
	}
	return doc, nil
}

func (s *DocumentService) Get(ctx context.Context, userID, storeID, documentID uint) (*model.Document, error) {
	return s.owned(ctx, userID, storeID, documentID)
}

func (s *DocumentService) owned(ctx context.Context, userID, storeID, documentID uint) (*model.Document, error) {
	store, err := s.stores.GetActiveOwned(ctx, storeID, userID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrStoreNotFound
	}
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.StoreID != store.ID || doc.DeletedAt != nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// sanitizeFilename strips any path components a client smuggles into the
// multipart filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
