package signal

import (
	"fmt"
	"regexp"
	"strings"
)

// EntityType names the kind of entity an id refers to.
type EntityType string

// Known entity types.
const (
	EntityTypeThing      EntityType = "thing"
	EntityTypePolicy     EntityType = "policy"
	EntityTypeConnection EntityType = "connection"
)

// MaxEntityIDLength bounds the full string form of an entity id.
const MaxEntityIDLength = 256

const namespaceSeparator = ":"

var (
	namespacePattern = regexp.MustCompile(`^(|[a-zA-Z]\w*(?:\.[a-zA-Z]\w*)*)$`)
	namePattern      = regexp.MustCompile(`^[-\w:@&=+,.!~*'$;<>]+$`)
)

// EntityID identifies the entity a signal or acknowledgement refers to.
//
// A namespaced id renders as "namespace:name"; a plain id renders as its
// name only. The zero value is an invalid, empty id.
type EntityID struct {
	Type       EntityType
	Namespace  string
	Name       string
	Namespaced bool
}

// NewNamespacedEntityID validates and builds a namespaced entity id.
func NewNamespacedEntityID(typ EntityType, namespace, name string) (EntityID, error) {
	if !namespacePattern.MatchString(namespace) {
		return EntityID{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	if !namePattern.MatchString(name) {
		return EntityID{}, fmt.Errorf("%w: %q", ErrInvalidEntityName, name)
	}
	if len(namespace)+len(namespaceSeparator)+len(name) > MaxEntityIDLength {
		return EntityID{}, fmt.Errorf("%w: %d characters allowed", ErrEntityIDTooLong, MaxEntityIDLength)
	}
	return EntityID{Type: typ, Namespace: namespace, Name: name, Namespaced: true}, nil
}

// ParseNamespacedEntityID parses "namespace:name", splitting at the first colon.
func ParseNamespacedEntityID(typ EntityType, s string) (EntityID, error) {
	ns, name, ok := strings.Cut(s, namespaceSeparator)
	if !ok {
		return EntityID{}, fmt.Errorf("%w: %q", ErrMissingNamespaceSeparator, s)
	}
	return NewNamespacedEntityID(typ, ns, name)
}

// NewPlainEntityID builds an id without namespace, such as a connection id.
func NewPlainEntityID(typ EntityType, name string) EntityID {
	return EntityID{Type: typ, Name: name}
}

// String renders the id in its wire form.
func (e EntityID) String() string {
	if e.Namespaced {
		return e.Namespace + namespaceSeparator + e.Name
	}
	return e.Name
}

// IsZero reports whether e is the empty id.
func (e EntityID) IsZero() bool {
	return e == EntityID{}
}

// Equal reports exact equality of type, namespace and name.
func (e EntityID) Equal(other EntityID) bool {
	return e == other
}

// MarshalText renders the wire form.
func (e EntityID) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses the wire form. Values containing a colon are
// parsed as namespaced ids; anything else becomes a plain id. The Type
// field is kept, defaulting to thing for namespaced ids.
func (e *EntityID) UnmarshalText(text []byte) error {
	typ := e.Type
	s := string(text)
	if !strings.Contains(s, namespaceSeparator) {
		*e = NewPlainEntityID(typ, s)
		return nil
	}
	if typ == "" {
		typ = EntityTypeThing
	}
	id, err := ParseNamespacedEntityID(typ, s)
	if err != nil {
		return err
	}
	*e = id
	return nil
}
