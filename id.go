package enrich

import "github.com/readwell/enrich/id"

// ID is the primary identifier type for all enrich entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
