// Package schema is the column-list model (§3.2, §4.C): ordered columns
// with stable 128-bit IDs, primary-key ordinals, and the alignment /
// diffing operations the working-copy adapter and blob codec depend on.
// Shaped after dolt's libraries/doltcore/schema.Column/ColCollection/
// NewSchema API, with dolt's uint64 "tag" replaced by a uuid.UUID stable
// ID per §3.2, and dolt's typeinfo.TypeInfo replaced by schema.Type.
package schema

import (
	"crypto/sha256"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ID is a column's stable 128-bit identifier.
type ID = uuid.UUID

// Column is one entry in a Schema.
type Column struct {
	ID   ID
	Name string
	Type Type
	// PKIndex is the column's 0-based position within the primary key,
	// or -1 if the column is not part of the primary key.
	PKIndex int
}

// IsPartOfPK reports whether c participates in the primary key.
func (c Column) IsPartOfPK() bool { return c.PKIndex >= 0 }

// Schema is an ordered column list (§3.2).
type Schema struct {
	Columns []Column
}

// New builds a Schema from columns in the given order, validating that PK
// ordinals are contiguous starting at 0 and that no two columns share a
// name or ID. A zero ID counts as not yet assigned (AlignTo fills it in)
// and is not checked for duplicates.
func New(columns []Column) (Schema, error) {
	s := Schema{Columns: append([]Column(nil), columns...)}
	if err := s.validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

func (s Schema) validate() error {
	names := map[string]bool{}
	ids := map[ID]bool{}
	pkSeen := map[int]bool{}
	for _, c := range s.Columns {
		lower := c.Name
		if names[lower] {
			return errors.Errorf("schema: duplicate column name %q", c.Name)
		}
		names[lower] = true
		if c.ID != (ID{}) && ids[c.ID] {
			return errors.Errorf("schema: duplicate column id %s", c.ID)
		}
		ids[c.ID] = true
		if c.IsPartOfPK() {
			if pkSeen[c.PKIndex] {
				return errors.Errorf("schema: duplicate primary key ordinal %d", c.PKIndex)
			}
			pkSeen[c.PKIndex] = true
		}
	}
	for i := 0; i < len(pkSeen); i++ {
		if !pkSeen[i] {
			return errors.Errorf("schema: primary key ordinals must be contiguous from 0, missing %d", i)
		}
	}
	return nil
}

// PrimaryKey returns the PK columns in key order (§3.2: "the ordered
// subsequence of columns whose index is set, sorted by index").
func (s Schema) PrimaryKey() []Column {
	var pk []Column
	for _, c := range s.Columns {
		if c.IsPartOfPK() {
			pk = append(pk, c)
		}
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].PKIndex < pk[j].PKIndex })
	return pk
}

// ByName finds a column by name.
func (s Schema) ByName(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ByID finds a column by its stable ID.
func (s Schema) ByID(id ID) (Column, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// columnIDNamespace anchors the deterministic UUIDv5 derivation so that
// repeated imports of the same column (same name, type, salt) produce the
// same ID (§4.C, "deterministic from inputs").
var columnIDNamespace = uuid.MustParse("6b6e7e0a-9f0b-4d6e-8a0d-2c9b9a4a9d11")

// EncodeColumnID derives a stable column ID from its name, type, and an
// import-supplied salt (e.g. the dataset path, so the same column name in
// two different datasets never collides).
func EncodeColumnID(name string, typ Type, salt string) ID {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(typ.String()))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	return uuid.NewSHA1(columnIDNamespace, h.Sum(nil))
}
