// -----------------------------------------------------------------------
// RAG ingest service - chunks final markdown and maintains the local
// retrieval index
// -----------------------------------------------------------------------

package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	badgerstore "github.com/ternarybob/shadowtwin/internal/storage/badger"
	"github.com/timshannon/badgerhold/v4"
)

// chunkRecord is the persisted form of one indexed chunk
type chunkRecord struct {
	LibraryID string
	FileID    string
	Index     int
	Heading   string
	Text      string
	Words     int
	CreatedAt time.Time
}

// Service implements the IngestService interface over the local Badger-backed
// index. One vector per chunk; the chunk text is the retrieval unit.
type Service struct {
	db     *badgerstore.BadgerDB
	logger arbor.ILogger
}

// NewService creates a new RAG ingest service
func NewService(db *badgerstore.BadgerDB, logger arbor.ILogger) interfaces.IngestService {
	return &Service{
		db:     db,
		logger: logger,
	}
}

func chunkKey(libraryID, fileID string, index int) string {
	return fmt.Sprintf("chunk:%s:%s:%06d", libraryID, fileID, index)
}

// Ingest chunks the markdown and writes one index record per chunk. With
// replace set, chunks from a previous ingest of the same file are removed
// first so the index never mixes generations.
func (s *Service) Ingest(ctx context.Context, libraryID, fileID, markdown string, replace bool) (*interfaces.IngestResult, error) {
	if libraryID == "" || fileID == "" {
		return nil, fmt.Errorf("library ID and file ID are required")
	}

	if replace {
		if err := s.deleteChunks(libraryID, fileID); err != nil {
			return nil, fmt.Errorf("failed to remove existing chunks: %w", err)
		}
	}

	chunks := ChunkMarkdown(markdown)
	now := time.Now()
	for _, chunk := range chunks {
		record := chunkRecord{
			LibraryID: libraryID,
			FileID:    fileID,
			Index:     chunk.Index,
			Heading:   chunk.Heading,
			Text:      chunk.Text,
			Words:     chunk.Words,
			CreatedAt: now,
		}
		if err := s.db.Store().Upsert(chunkKey(libraryID, fileID, chunk.Index), &record); err != nil {
			return nil, fmt.Errorf("failed to save chunk %d: %w", chunk.Index, err)
		}
	}

	s.logger.Info().
		Str("library_id", libraryID).
		Str("file_id", fileID).
		Int("chunks", len(chunks)).
		Bool("replace", replace).
		Msg("Markdown ingested into index")

	return &interfaces.IngestResult{
		ChunkCount:  len(chunks),
		VectorCount: len(chunks),
	}, nil
}

// HasVectors reports whether the index already holds chunks for the file
func (s *Service) HasVectors(ctx context.Context, libraryID, fileID string) (bool, error) {
	query := badgerhold.Where("LibraryID").Eq(libraryID).And("FileID").Eq(fileID)
	count, err := s.db.Store().Count(&chunkRecord{}, query)
	if err != nil {
		return false, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count > 0, nil
}

func (s *Service) deleteChunks(libraryID, fileID string) error {
	query := badgerhold.Where("LibraryID").Eq(libraryID).And("FileID").Eq(fileID)
	if err := s.db.Store().DeleteMatching(&chunkRecord{}, query); err != nil && err != badgerhold.ErrNotFound {
		return err
	}
	return nil
}
