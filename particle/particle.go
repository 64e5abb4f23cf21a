// Package particle defines the typed records the parsing engine emits and the
// small toolkit builders share: field tables declared per instrument format,
// numeric coercion with the conventions instruments actually use (hex
// timestamps, literal NaN tokens), and sparse-row reconciliation for formats
// whose rows carry a varying subset of the declared columns.
package particle

import (
	"github.com/google/uuid"
)

// TimestampKind selects which of a particle's timestamps downstream consumers
// should treat as authoritative.
type TimestampKind string

const (
	// PreferredInternal marks the instrument-derived timestamp authoritative.
	PreferredInternal TimestampKind = "internal"
	// PreferredPort marks the ingestion wall-clock timestamp authoritative.
	// Used by formats with no embedded clock.
	PreferredPort TimestampKind = "port"
)

// Quality flags whether a particle decoded cleanly.
type Quality string

const (
	QualityOK       Quality = "ok"
	QualityDegraded Quality = "degraded"
)

// Field is one named decoded value. A nil Value is a valid, expected state for
// sparse formats: the column was declared but absent from this record.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Provenance is the absolute byte range of the source record.
type Provenance struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Particle is one decoded record. Fields preserve declaration order; JSON
// output keeps that order by encoding them as a pair list.
type Particle struct {
	ID     string  `json:"id"`
	Stream string  `json:"stream"`
	Type   string  `json:"type"`
	Fields []Field `json:"values"`

	// InternalTimestamp is derived from the data itself (Unix ms); zero when
	// the format carries no embedded clock. PortTimestamp is the ingestion
	// wall clock (Unix ms).
	InternalTimestamp int64         `json:"internal_timestamp,omitempty"`
	PortTimestamp     int64         `json:"port_timestamp"`
	Preferred         TimestampKind `json:"preferred_timestamp"`

	Quality     Quality    `json:"quality"`
	Annotations []string   `json:"annotations,omitempty"`
	Provenance  Provenance `json:"provenance"`
}

// New creates an empty particle for the given stream and type with a fresh ID
// and OK quality.
func New(stream, particleType string) *Particle {
	return &Particle{
		ID:        uuid.NewString(),
		Stream:    stream,
		Type:      particleType,
		Quality:   QualityOK,
		Preferred: PreferredPort,
	}
}

// Set records a field value, replacing an existing field of the same name or
// appending a new one.
func (p *Particle) Set(name string, value any) {
	for i := range p.Fields {
		if p.Fields[i].Name == name {
			p.Fields[i].Value = value
			return
		}
	}
	p.Fields = append(p.Fields, Field{Name: name, Value: value})
}

// Get returns the value of the named field and whether it is declared.
func (p *Particle) Get(name string) (any, bool) {
	for i := range p.Fields {
		if p.Fields[i].Name == name {
			return p.Fields[i].Value, true
		}
	}
	return nil, false
}

// Annotate degrades the particle's quality and records why.
func (p *Particle) Annotate(reason string) {
	p.Quality = QualityDegraded
	p.Annotations = append(p.Annotations, reason)
}

// Timestamp returns the preferred timestamp in Unix ms.
func (p *Particle) Timestamp() int64 {
	if p.Preferred == PreferredInternal && p.InternalTimestamp != 0 {
		return p.InternalTimestamp
	}
	return p.PortTimestamp
}
