// -----------------------------------------------------------------------
// Phase policies - declared intent for whether a phase should run,
// independent of whether it already has
// -----------------------------------------------------------------------

package models

// PhasePolicy is the declared intent for one phase
type PhasePolicy string

const (
	// PolicyAuto defers the run/skip decision entirely to the gate evaluator
	PolicyAuto PhasePolicy = "auto"
	// PolicyForce always attempts the phase, even when its gate reports done
	PolicyForce PhasePolicy = "force"
	// PolicySkip never attempts the phase
	PolicySkip PhasePolicy = "skip"
)

// Ingest-specific policy vocabulary. Normalized into the common vocabulary at
// job creation; "upsert" additionally replaces any existing chunks.
const (
	IngestPolicyIgnore  PhasePolicy = "ignore"
	IngestPolicyEnqueue PhasePolicy = "enqueue"
	IngestPolicyUpsert  PhasePolicy = "upsert"
)

// PhasePolicies maps each gated phase to its policy. The store phase is not
// policy-gated: it runs whenever extraction or transformation produced output.
type PhasePolicies struct {
	Extract  PhasePolicy `json:"extract,omitempty"`
	Metadata PhasePolicy `json:"metadata,omitempty"`
	Ingest   PhasePolicy `json:"ingest,omitempty"`

	// IngestUpsert is set when the ingest policy was "upsert": existing chunks
	// are replaced rather than left in place.
	IngestUpsert bool `json:"ingest_upsert,omitempty"`
}

// LegacyPhaseFlags is the older boolean request shape. It is translated once,
// at job creation, into PhasePolicies so downstream code has one code path.
type LegacyPhaseFlags struct {
	DoExtractPDF        *bool `json:"doExtractPDF,omitempty"`
	DoTemplateTransform *bool `json:"doTemplateTransform,omitempty"`
	DoIngestRAG         *bool `json:"doIngestRAG,omitempty"`
}

// HasAny reports whether any legacy flag was supplied
func (f LegacyPhaseFlags) HasAny() bool {
	return f.DoExtractPDF != nil || f.DoTemplateTransform != nil || f.DoIngestRAG != nil
}
