package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
)

var (
	ErrStoreNotFound    = errors.New("store not found")
	ErrStoreNameInvalid = errors.New("store name must be 1-100 characters")
)

const maxStoreNameLength = 100

type StoreService struct {
	stores    *repository.StoreRepository
	documents *repository.DocumentRepository
	client    rag.Client
	log       zerolog.Logger
}

func NewStoreService(stores *repository.StoreRepository, documents *repository.DocumentRepository, client rag.Client, log zerolog.Logger) *StoreService {
	return &StoreService{
		stores:    stores,
		documents: documents,
		client:    client,
		log:       log,
	}
}

// Create provisions a remote file search store and records it for the user.
// A database failure after remote creation rolls the remote store back.
func (s *StoreService) Create(ctx context.Context, userID uint, displayName string) (*model.Store, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" || len(displayName) > maxStoreNameLength {
		return nil, ErrStoreNameInvalid
	}

	fsName, err := s.client.CreateStore(ctx, displayName)
	if err != nil {
		return nil, fmt.Errorf("create remote store failed: %w", err)
	}

	store := &model.Store{
		UserID:      userID,
		DisplayName: displayName,
		FSName:      fsName,
	}
	if err := s.stores.Create(ctx, store); err != nil {
		if delErr := s.client.DeleteStore(ctx, fsName); delErr != nil {
			s.log.Warn().Str("store", fsName).Err(delErr).Msg("orphaned remote store cleanup failed")
		}
		return nil, err
	}
	return store, nil
}

func (s *StoreService) List(ctx context.Context, userID uint) ([]model.Store, error) {
	return s.stores.ListActive(ctx, userID)
}

func (s *StoreService) Get(ctx context.Context, userID, storeID uint) (*model.Store, error) {
	store, err := s.stores.GetActiveOwned(ctx, storeID, userID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrStoreNotFound
	}
	return store, nil
}

// Delete soft-deletes the store and best-effort removes the remote copy. The
// local row survives for restore; the remote store is gone either way.
func (s *StoreService) Delete(ctx context.Context, userID, storeID uint) error {
	store, err := s.stores.GetActiveOwned(ctx, storeID, userID)
	if err != nil {
		return err
	}
	if store == nil {
		return ErrStoreNotFound
	}

	store.SoftDelete(userID)
	if err := s.stores.Save(ctx, store); err != nil {
		return err
	}

	if err := s.client.DeleteStore(ctx, store.FSName); err != nil {
		s.log.Warn().Str("store", store.FSName).Err(err).Msg("remote store delete failed")
	}
	return nil
}

// Restore undoes a soft delete. Indexed content was removed remotely on
// delete, so restored documents are reset to ERROR and need re-ingestion.
func (s *StoreService) Restore(ctx context.Context, userID, storeID uint) (*model.Store, error) {
	store, err := s.stores.GetDeletedOwned(ctx, storeID, userID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrStoreNotFound
	}

	fsName, err := s.client.CreateStore(ctx, store.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("recreate remote store failed: %w", err)
	}
	store.Restore()
	store.FSName = fsName
	if err := s.stores.Save(ctx, store); err != nil {
		return nil, err
	}

	if err := s.documents.MarkStoreReingest(ctx, store.ID, "store restored, document must be re-ingested", time.Now()); err != nil {
		s.log.Warn().Uint("store_id", store.ID).Err(err).Msg("reset restored store documents failed")
	}
	return store, nil
}
