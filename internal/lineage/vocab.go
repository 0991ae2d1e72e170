// Package lineage resolves which resources an activity generated.
package lineage

import "harvestline/internal/rdf"

// PROV is the W3C PROV-O namespace.
const PROV = "http://www.w3.org/ns/prov#"

const (
	WasGeneratedBy    = PROV + "wasGeneratedBy"
	InvalidatedAtTime = PROV + "invalidatedAtTime"
	WasInvalidatedBy  = PROV + "wasInvalidatedBy"
	WasDerivedFrom    = PROV + "wasDerivedFrom"
)

var (
	GeneratedBy   = rdf.IRI(WasGeneratedBy)
	InvalidatedAt = rdf.IRI(InvalidatedAtTime)
	InvalidatedBy = rdf.IRI(WasInvalidatedBy)
	DerivedFrom   = rdf.IRI(WasDerivedFrom)
)
