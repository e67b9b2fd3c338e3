package interfaces

import "context"

// IngestResult reports what the indexing pipeline produced
type IngestResult struct {
	ChunkCount  int `json:"chunk_count"`
	VectorCount int `json:"vector_count"`
}

// IngestService is the boundary to the retrieval indexing pipeline. The core
// hands over final markdown and records the returned counts; ranking and
// retrieval are not its concern.
type IngestService interface {
	// Ingest indexes the markdown for (libraryID, fileID). When replace is
	// set, existing chunks for the file are removed first.
	Ingest(ctx context.Context, libraryID, fileID, markdown string, replace bool) (*IngestResult, error)

	// HasVectors reports whether vectors already exist for the file. Lookup
	// failure degrades to false at the gate, never to an error.
	HasVectors(ctx context.Context, libraryID, fileID string) (bool, error)
}
