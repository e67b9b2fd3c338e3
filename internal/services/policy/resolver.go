// -----------------------------------------------------------------------
// Phase policy resolver - normalizes request intent into one canonical
// per-phase decision vocabulary
// -----------------------------------------------------------------------

package policy

import (
	"github.com/ternarybob/shadowtwin/internal/models"
)

// Decision is the resolved intent for one phase, before any gate is consulted
type Decision struct {
	// Attempt is the phase's standing: force and auto attempt, skip does not
	Attempt bool
	// Forced bypasses the gate entirely
	Forced bool
	// Reason recorded on the step when Attempt is false
	Reason string
}

// Resolver translates legacy boolean flags and explicit policy strings into
// canonical PhasePolicies, then answers per-phase decisions. It is a pure
// function of job parameters and holds no state.
type Resolver struct{}

// NewResolver creates a new policy resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Normalize produces the canonical PhasePolicies for a request. Legacy boolean
// flags are translated exactly once here; explicit policies win when both are
// supplied. The ingest vocabulary (ignore/enqueue/upsert) collapses into the
// common one, with upsert additionally setting the replace flag.
func (r *Resolver) Normalize(explicit models.PhasePolicies, legacy models.LegacyPhaseFlags) models.PhasePolicies {
	out := models.PhasePolicies{
		Extract:      normalizeCommon(explicit.Extract),
		Metadata:     normalizeCommon(explicit.Metadata),
		IngestUpsert: explicit.IngestUpsert,
	}

	switch explicit.Ingest {
	case models.IngestPolicyIgnore:
		out.Ingest = models.PolicySkip
	case models.IngestPolicyEnqueue:
		out.Ingest = models.PolicyAuto
	case models.IngestPolicyUpsert:
		out.Ingest = models.PolicyForce
		out.IngestUpsert = true
	default:
		out.Ingest = normalizeCommon(explicit.Ingest)
	}

	if legacy.DoExtractPDF != nil && explicit.Extract == "" {
		out.Extract = boolPolicy(*legacy.DoExtractPDF)
	}
	if legacy.DoTemplateTransform != nil && explicit.Metadata == "" {
		out.Metadata = boolPolicy(*legacy.DoTemplateTransform)
	}
	if legacy.DoIngestRAG != nil && explicit.Ingest == "" {
		out.Ingest = boolPolicy(*legacy.DoIngestRAG)
	}

	return out
}

// Resolve answers the standing decision for one phase. The store phase is not
// policy-gated and always attempts.
func (r *Resolver) Resolve(policies models.PhasePolicies, phase models.Phase) Decision {
	var p models.PhasePolicy
	switch phase {
	case models.PhaseExtract:
		p = policies.Extract
	case models.PhaseTransform:
		p = policies.Metadata
	case models.PhaseIngest:
		p = policies.Ingest
	default:
		return Decision{Attempt: true}
	}

	switch p {
	case models.PolicyForce:
		return Decision{Attempt: true, Forced: true}
	case models.PolicySkip:
		return Decision{Attempt: false, Reason: "phase_disabled"}
	default:
		return Decision{Attempt: true}
	}
}

func normalizeCommon(p models.PhasePolicy) models.PhasePolicy {
	switch p {
	case models.PolicyForce, models.PolicySkip:
		return p
	default:
		return models.PolicyAuto
	}
}

func boolPolicy(enabled bool) models.PhasePolicy {
	if enabled {
		return models.PolicyForce
	}
	return models.PolicySkip
}
