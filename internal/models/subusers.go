package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// SubuserEntry grants one identity a permission set on a server.
type SubuserEntry struct {
	UUID        string       `json:"uuid"`
	Permissions []Permission `json:"permissions"`
}

// SubuserList is the ordered list of grants for one server. Order is
// insertion order and each identity appears at most once.
type SubuserList []SubuserEntry

// ServerSubusers is the stored row for one server.
type ServerSubusers struct {
	ServerID string
	Entries  SubuserList
	Version  int64 // 0 when no row exists yet
}

// CorruptDataError is returned when a stored subuser list does not decode to a
// well-formed list of entries.
type CorruptDataError struct {
	ServerID string
	Reason   string
}

func (e *CorruptDataError) Error() string {
	if e.ServerID == "" {
		return "corrupt subuser list: " + e.Reason
	}
	return fmt.Sprintf("corrupt subuser list for server %s: %s", e.ServerID, e.Reason)
}

// Find returns the index of identity in the list, or -1.
func (l SubuserList) Find(identity string) int {
	return slices.IndexFunc(l, func(e SubuserEntry) bool { return e.UUID == identity })
}

// Grant returns a copy of the list where identity holds exactly perms.
// An existing entry is overridden in place; otherwise one is appended.
func (l SubuserList) Grant(identity string, perms []Permission) SubuserList {
	out := l.clone()
	entry := SubuserEntry{UUID: identity, Permissions: slices.Clone(perms)}
	if entry.Permissions == nil {
		entry.Permissions = []Permission{}
	}
	if i := out.Find(identity); i >= 0 {
		out[i] = entry
		return out
	}
	return append(out, entry)
}

// Revoke returns a copy of the list without identity, and whether an entry was
// removed.
func (l SubuserList) Revoke(identity string) (SubuserList, bool) {
	i := l.Find(identity)
	if i < 0 {
		return l.clone(), false
	}
	out := l.clone()
	return slices.Delete(out, i, i+1), true
}

func (l SubuserList) clone() SubuserList {
	out := make(SubuserList, len(l), len(l)+1)
	copy(out, l)
	return out
}

// Encode serializes the list as a JSON array. An empty or nil list encodes to
// "[]".
func (l SubuserList) Encode() ([]byte, error) {
	if l == nil {
		l = SubuserList{}
	}
	out := make(SubuserList, len(l))
	for i, e := range l {
		if e.Permissions == nil {
			e.Permissions = []Permission{}
		}
		out[i] = e
	}
	return json.Marshal([]SubuserEntry(out))
}

// Value implements driver.Valuer so lists can be bound directly as a
// parameter.
func (l SubuserList) Value() (driver.Value, error) {
	b, err := l.Encode()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DecodeSubuserList parses a stored list. Empty input is an empty list.
// Anything that is not a JSON array of entries with distinct uuids and known
// permissions is a *CorruptDataError.
func DecodeSubuserList(data []byte) (SubuserList, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return SubuserList{}, nil
	}
	if trimmed[0] != '[' {
		return nil, &CorruptDataError{Reason: "not a JSON array"}
	}

	var raw []struct {
		UUID        *string      `json:"uuid"`
		Permissions []Permission `json:"permissions"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &CorruptDataError{Reason: err.Error()}
	}

	list := make(SubuserList, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, r := range raw {
		if r.UUID == nil || *r.UUID == "" {
			return nil, &CorruptDataError{Reason: fmt.Sprintf("entry %d has no uuid", i)}
		}
		if seen[*r.UUID] {
			return nil, &CorruptDataError{Reason: fmt.Sprintf("duplicate uuid %s at entry %d", *r.UUID, i)}
		}
		seen[*r.UUID] = true
		for _, p := range r.Permissions {
			if !p.IsValid() {
				return nil, &CorruptDataError{Reason: fmt.Sprintf("entry %d has unknown permission %q", i, p)}
			}
		}
		perms := r.Permissions
		if perms == nil {
			perms = []Permission{}
		}
		list = append(list, SubuserEntry{UUID: *r.UUID, Permissions: perms})
	}
	return list, nil
}
