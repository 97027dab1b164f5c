package store

import (
	"reflect"
	"time"

	"github.com/uptrace/bun"
)

type objectRow struct {
	bun.BaseModel `bun:"table:objects,alias:o"`

	ID        int64     `bun:"id,pk"`
	TypeName  string    `bun:"type_name,notnull"`
	GUID      string    `bun:"guid,notnull"`
	Data      []byte    `bun:"data"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// entry is the registry record of one live object.
type entry struct {
	id       int64
	guid     string
	typeName string
	value    reflect.Value
	active   bool
}
