package model

import (
	"fmt"
	"strings"
)

// IndexRecord is one line of a crate's index shard: a single published
// version with its checksum, dependency list and yank state. Records are
// append-only; corrections (yank/unyank) are expressed as new records.
type IndexRecord struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []IndexDependency   `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    string              `json:"links,omitempty"`
}

// IndexDependency describes one dependency edge of an index record.
type IndexDependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          string   `json:"target,omitempty"`
	Kind            string   `json:"kind,omitempty"`
}

// CanonicalName normalizes a crate name for lookups: lower-case, with
// underscores folded into hyphens. Two names that canonicalize equally
// refer to the same crate.
func CanonicalName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// MaxNameLength bounds crate name length.
const MaxNameLength = 64

// ValidateName checks that a crate name is well-formed: non-empty, at
// most MaxNameLength characters, starting with a letter and containing
// only ASCII letters, digits, hyphens and underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("crate name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("crate name exceeds %d characters", MaxNameLength)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '_'):
		default:
			return fmt.Errorf("crate name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
