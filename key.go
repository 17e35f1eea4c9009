package quartz

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultGroup is used when a key is built without a group.
const DefaultGroup = "DEFAULT"

// Key identifies a job or a trigger. Two keys are equal when name and group
// are equal, so Key can be used directly as a map key.
type Key struct {
	Name  string
	Group string
}

// NewKey builds a key, defaulting group to DefaultGroup.
func NewKey(name string, group ...string) (Key, error) {
	if strings.TrimSpace(name) == "" {
		return Key{}, invalidArgument("key name cannot be empty")
	}
	g := DefaultGroup
	if len(group) > 0 && strings.TrimSpace(group[0]) != "" {
		g = group[0]
	}
	return Key{Name: name, Group: g}, nil
}

// MustKey is NewKey for static keys; it panics on an empty name.
func MustKey(name string, group ...string) Key {
	k, err := NewKey(name, group...)
	if err != nil {
		panic(err)
	}
	return k
}

// Equals reports structural equality.
func (k Key) Equals(other Key) bool {
	return k.Name == other.Name && k.Group == other.Group
}

// String returns "group.name".
func (k Key) String() string {
	return k.Group + "." + k.Name
}

// IsZero reports whether the key was never set.
func (k Key) IsZero() bool {
	return k.Name == "" && k.Group == ""
}

// Compare orders keys by group, then name.
func (k Key) Compare(other Key) int {
	if c := strings.Compare(k.Group, other.Group); c != 0 {
		return c
	}
	return strings.Compare(k.Name, other.Name)
}

// Validate checks that the key has a name and a group.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return invalidArgument("key name cannot be empty")
	}
	if strings.TrimSpace(k.Group) == "" {
		return invalidArgument("key group cannot be empty")
	}
	return nil
}

// UniqueName returns a name that is distinct across calls. The optional seed
// becomes a readable prefix.
func UniqueName(seed ...string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(seed) > 0 && seed[0] != "" {
		return seed[0] + "-" + id
	}
	return id
}

// NewFireInstanceID mints the identifier of one acquisition of a trigger.
func NewFireInstanceID() string {
	return uuid.NewString()
}
