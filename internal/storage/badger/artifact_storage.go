package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ArtifactStorage implements the ArtifactStorage interface for Badger.
// Documents are badgerhold records keyed by "libraryID|artifactKey"; binary
// fragment payloads bypass badgerhold and live in raw badger so large blobs
// never pass through the struct codec.
type ArtifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates a new ArtifactStorage instance
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &ArtifactStorage{
		db:     db,
		logger: logger,
	}
}

func documentKey(libraryID string, key models.ArtifactKey) string {
	return libraryID + "|" + key.String()
}

func fragmentKey(artifactID, name string) []byte {
	return []byte("frag:" + artifactID + ":" + name)
}

func fragmentMimeKey(artifactID, name string) []byte {
	return []byte("fragmime:" + artifactID + ":" + name)
}

func (s *ArtifactStorage) Exists(ctx context.Context, libraryID string, key models.ArtifactKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	var artifact models.Artifact
	err := s.db.Store().Get(documentKey(libraryID, key), &artifact)
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check artifact existence: %w", err)
	}
	return true, nil
}

func (s *ArtifactStorage) Get(ctx context.Context, libraryID string, key models.ArtifactKey) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := s.db.Store().Get(documentKey(libraryID, key), &artifact); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return &artifact, nil
}

func (s *ArtifactStorage) Put(ctx context.Context, libraryID string, key models.ArtifactKey, markdown string, frontmatter map[string]interface{}, fragments []models.BinaryFragment) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}

	docKey := documentKey(libraryID, key)

	// Writing the same key again replaces the document; the artifact ID is
	// preserved so fragment references stay valid.
	var existing models.Artifact
	artifactID := ""
	indexed := false
	createdAt := time.Now()
	if err := s.db.Store().Get(docKey, &existing); err == nil {
		artifactID = existing.ID
		indexed = existing.Indexed
		createdAt = existing.CreatedAt
	}
	if artifactID == "" {
		artifactID = common.NewArtifactID()
	}

	names := make([]string, 0, len(fragments))
	for _, frag := range fragments {
		names = append(names, frag.Name)
	}

	artifact := models.Artifact{
		ID:             artifactID,
		LibraryID:      libraryID,
		SourceID:       key.SourceID,
		Kind:           key.Kind,
		TargetLanguage: key.TargetLanguage,
		TemplateName:   key.TemplateName,
		Markdown:       markdown,
		Frontmatter:    frontmatter,
		FragmentNames:  names,
		Indexed:        indexed,
		CreatedAt:      createdAt,
		UpdatedAt:      time.Now(),
	}

	if err := s.db.Store().Upsert(docKey, &artifact); err != nil {
		return "", fmt.Errorf("failed to save artifact: %w", err)
	}

	if len(fragments) > 0 {
		err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
			for _, frag := range fragments {
				if err := txn.Set(fragmentKey(artifactID, frag.Name), frag.Data); err != nil {
					return err
				}
				if err := txn.Set(fragmentMimeKey(artifactID, frag.Name), []byte(frag.MimeType)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to save artifact fragments: %w", err)
		}
	}

	s.logger.Debug().
		Str("artifact_id", artifactID).
		Str("key", key.String()).
		Int("fragments", len(fragments)).
		Msg("Artifact saved")

	return artifactID, nil
}

func (s *ArtifactStorage) GetFragment(ctx context.Context, artifactID, name string) (*models.BinaryFragment, error) {
	fragment := &models.BinaryFragment{Name: name}
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(fragmentKey(artifactID, name))
		if err != nil {
			return err
		}
		fragment.Data, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if mimeItem, err := txn.Get(fragmentMimeKey(artifactID, name)); err == nil {
			mime, err := mimeItem.ValueCopy(nil)
			if err != nil {
				return err
			}
			fragment.MimeType = string(mime)
		}
		return nil
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fragment: %w", err)
	}
	return fragment, nil
}

// PublishFinal flips the indexed flag from every other variant of the source
// to the final key inside one transaction, so readers never observe a state
// where the source has no indexed artifact or two of them.
func (s *ArtifactStorage) PublishFinal(ctx context.Context, libraryID string, finalKey models.ArtifactKey) error {
	if err := finalKey.Validate(); err != nil {
		return err
	}
	finalDocKey := documentKey(libraryID, finalKey)

	return s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		var final models.Artifact
		if err := s.db.Store().TxGet(txn, finalDocKey, &final); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return fmt.Errorf("failed to load final artifact: %w", err)
		}

		var siblings []models.Artifact
		query := badgerhold.Where("LibraryID").Eq(libraryID).And("SourceID").Eq(finalKey.SourceID)
		if err := s.db.Store().TxFind(txn, &siblings, query); err != nil {
			return fmt.Errorf("failed to load sibling artifacts: %w", err)
		}

		now := time.Now()
		for i := range siblings {
			sibling := &siblings[i]
			if sibling.ID == final.ID || !sibling.Indexed {
				continue
			}
			sibling.Indexed = false
			sibling.UpdatedAt = now
			if err := s.db.Store().TxUpsert(txn, documentKey(libraryID, sibling.Key()), sibling); err != nil {
				return fmt.Errorf("failed to unindex artifact %s: %w", sibling.ID, err)
			}
		}

		final.Indexed = true
		final.UpdatedAt = now
		if err := s.db.Store().TxUpsert(txn, finalDocKey, &final); err != nil {
			return fmt.Errorf("failed to index final artifact: %w", err)
		}
		return nil
	})
}

func (s *ArtifactStorage) SiblingExists(ctx context.Context, libraryID, sourceID string, kind models.ArtifactKind, targetLanguage string) (bool, error) {
	query := badgerhold.Where("LibraryID").Eq(libraryID).
		And("SourceID").Eq(sourceID).
		And("Kind").Eq(kind).
		And("TargetLanguage").Eq(targetLanguage)

	count, err := s.db.Store().Count(&models.Artifact{}, query)
	if err != nil {
		return false, fmt.Errorf("failed to count sibling artifacts: %w", err)
	}
	return count > 0, nil
}
