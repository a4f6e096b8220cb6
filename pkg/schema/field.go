package schema

// FieldType enumerates the scalar types an attribute may hold
type FieldType string

const (
	TypeBool      FieldType = "bool"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeString    FieldType = "string"
	TypeTimestamp FieldType = "timestamp"
)

// RelationKind enumerates the supported relation multiplicities
type RelationKind string

const (
	OneToOne   RelationKind = "one_to_one"
	ManyToOne  RelationKind = "many_to_one"
	OneToMany  RelationKind = "one_to_many"
	ManyToMany RelationKind = "many_to_many"
)

// ToMany reports whether the kind stores a set of target ids rather than one
func (k RelationKind) ToMany() bool {
	return k == OneToMany || k == ManyToMany
}

// Attribute describes a scalar model field
type Attribute struct {
	Type        FieldType
	Required    bool
	Indexed     bool
	Searchable  bool
	Unique      bool
	Editable    bool
	Computed    bool
	MaxSize     int // strings only; 0 means unbounded
	Description string
}

// Relation describes a link to another model. A relation stores either one
// target id (to-one) or a set of target ids (to-many), never inline objects.
type Relation struct {
	Kind        RelationKind
	TargetModel string
	Required    bool
	Editable    bool
}

// Field is a named descriptor: exactly one of Attribute or Relation is set
type Field struct {
	Name      string
	Attribute *Attribute
	Relation  *Relation
}

// IsRelation reports whether the field links to another model
func (f Field) IsRelation() bool {
	return f.Relation != nil
}

// Indexed reports whether the field participates in the field index.
// Unique attributes are always indexed: uniqueness checks go through the
// field index.
func (f Field) Indexed() bool {
	if f.Attribute == nil {
		return false
	}
	return f.Attribute.Indexed || f.Attribute.Unique
}

// validate checks the internal consistency of a descriptor
func (f Field) validate() string {
	if f.Name == "" {
		return "field name must not be empty"
	}
	if (f.Attribute == nil) == (f.Relation == nil) {
		return "field must be exactly one of attribute or relation"
	}
	if a := f.Attribute; a != nil {
		switch a.Type {
		case TypeBool, TypeInt, TypeFloat, TypeString, TypeTimestamp:
		default:
			return "unknown attribute type"
		}
		if a.Computed && (!a.Required || a.Editable) {
			return "computed fields must be required and not editable"
		}
		if a.MaxSize > 0 && a.Type != TypeString {
			return "max_size applies only to string attributes"
		}
	}
	if r := f.Relation; r != nil {
		switch r.Kind {
		case OneToOne, ManyToOne, OneToMany, ManyToMany:
		default:
			return "unknown relation kind"
		}
		if r.TargetModel == "" {
			return "relation target model must not be empty"
		}
	}
	return ""
}

// equal reports whether two descriptors have the same shape. Used to decide
// whether a re-registration is idempotent.
func (f Field) equal(other Field) bool {
	if f.Name != other.Name || f.IsRelation() != other.IsRelation() {
		return false
	}
	if f.Attribute != nil {
		return *f.Attribute == *other.Attribute
	}
	return *f.Relation == *other.Relation
}
