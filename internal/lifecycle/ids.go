package lifecycle

import (
	"github.com/google/uuid"

	"github.com/pitabwire/rentalportal/model"
)

// IdGenerator mints entity identifiers that are unique per kind.
type IdGenerator interface {
	NewID(kind model.EntityKind) string
}

var kindPrefixes = map[model.EntityKind]string{
	model.KindProperty:    "PRP",
	model.KindApplication: "APP",
	model.KindAgreement:   "AGR",
	model.KindGrievance:   "GRV",
}

// UUIDGenerator produces IDs of the form <PREFIX>-<uuid>, for example
// "GRV-7f9c24e1-...".
type UUIDGenerator struct{}

// NewID returns a new random identifier for kind.
func (UUIDGenerator) NewID(kind model.EntityKind) string {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		prefix = "ENT"
	}
	return prefix + "-" + uuid.NewString()
}
