// -----------------------------------------------------------------------
// Artifact - the Shadow-Twin markdown derived from one source document
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactKind distinguishes the raw transcript from a template transformation
type ArtifactKind string

const (
	ArtifactKindTranscript     ArtifactKind = "transcript"
	ArtifactKindTransformation ArtifactKind = "transformation"
)

// ArtifactKey is the stable identity of one derived markdown document for one
// source file. Multiple keys may exist per source (languages, templates).
type ArtifactKey struct {
	SourceID       string       `json:"source_id"`
	Kind           ArtifactKind `json:"kind"`
	TargetLanguage string       `json:"target_language"`
	TemplateName   string       `json:"template_name,omitempty"`
}

// String renders the canonical storage key. The naming convention doubles as
// the extract gate's existence check, so it must stay stable.
func (k ArtifactKey) String() string {
	parts := []string{k.SourceID, string(k.Kind), k.TargetLanguage}
	if k.TemplateName != "" {
		parts = append(parts, k.TemplateName)
	}
	return strings.Join(parts, "|")
}

// Validate validates the key
func (k ArtifactKey) Validate() error {
	if k.SourceID == "" {
		return fmt.Errorf("artifact key requires a source ID")
	}
	switch k.Kind {
	case ArtifactKindTranscript, ArtifactKindTransformation:
	default:
		return fmt.Errorf("invalid artifact kind: %s", k.Kind)
	}
	if k.TargetLanguage == "" {
		return fmt.Errorf("artifact key requires a target language")
	}
	return nil
}

// BinaryFragment is one binary sidecar of an artifact (page images, archives)
type BinaryFragment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// Artifact is the persisted Shadow-Twin document. Binary fragment payloads are
// stored separately in raw badger; the document carries only their names.
type Artifact struct {
	ID        string `json:"id"`
	LibraryID string `json:"library_id"`

	SourceID       string       `json:"source_id"`
	Kind           ArtifactKind `json:"kind"`
	TargetLanguage string       `json:"target_language"`
	TemplateName   string       `json:"template_name,omitempty"`

	Markdown    string                 `json:"markdown"`
	Frontmatter map[string]interface{} `json:"frontmatter,omitempty"`

	FragmentNames []string `json:"fragment_names,omitempty"`

	// Indexed marks the artifact variant currently referenced by the RAG
	// index. PublishFinal moves this flag atomically between variants.
	Indexed bool `json:"indexed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key reconstructs the ArtifactKey of a stored artifact
func (a *Artifact) Key() ArtifactKey {
	return ArtifactKey{
		SourceID:       a.SourceID,
		Kind:           a.Kind,
		TargetLanguage: a.TargetLanguage,
		TemplateName:   a.TemplateName,
	}
}
