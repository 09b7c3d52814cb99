package share

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Level is a user privilege level.
type Level int

const (
	LevelUser Level = iota
	LevelAdmin
)

// User is an account known to the manager.
type User struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name"`
	Admin bool   `json:"admin" yaml:"admin" mapstructure:"admin"`
}

// Is reports whether the user holds level. A nil user holds nothing.
func (u *User) Is(level Level) bool {
	if u == nil {
		return false
	}
	switch level {
	case LevelAdmin:
		return u.Admin
	default:
		return true
	}
}

// Access is a folder access level.
type Access string

const (
	AccessNone Access = ""
	AccessRO   Access = "ro"
	AccessRW   Access = "rw"
)

var accessLevels = map[Access]int{AccessRO: 1, AccessRW: 2}

// Valid reports whether a is a grantable level.
func (a Access) Valid() bool {
	return a == AccessRO || a == AccessRW
}

// Satisfies reports whether a grants required. rw > ro.
func (a Access) Satisfies(required Access) bool {
	return accessLevels[a] > 0 && accessLevels[a] >= accessLevels[required]
}

// AccessList maps user names to their access on a folder. It serializes
// as a sorted array of names, read-write entries prefixed with '+'.
type AccessList map[string]Access

// Clone returns a copy of l.
func (l AccessList) Clone() AccessList {
	if l == nil {
		return nil
	}
	c := make(AccessList, len(l))
	for k, v := range l {
		c[k] = v
	}
	return c
}

// Equal reports whether l and o grant the same access.
func (l AccessList) Equal(o AccessList) bool {
	if len(l) != len(o) {
		return false
	}
	for k, v := range l {
		if o[k] != v {
			return false
		}
	}
	return true
}

// Entries returns the serialized names, sorted case-insensitively with
// the '+' prefix ignored.
func (l AccessList) Entries() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := strings.ToLower(names[i]), strings.ToLower(names[j])
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	out := make([]string, len(names))
	for i, name := range names {
		if l[name] == AccessRW {
			out[i] = "+" + name
		} else {
			out[i] = name
		}
	}
	return out
}

func (l AccessList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}

func (l *AccessList) UnmarshalJSON(data []byte) error {
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse access list: %w", err)
	}
	parsed, err := ParseAccessList(entries)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseAccessList reads serialized entries. Later entries win.
func ParseAccessList(entries []string) (AccessList, error) {
	l := make(AccessList, len(entries))
	for _, e := range entries {
		access := AccessRO
		if strings.HasPrefix(e, "+") {
			access = AccessRW
			e = e[1:]
		}
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, fmt.Errorf("empty user name in access list")
		}
		l[e] = access
	}
	return l, nil
}
