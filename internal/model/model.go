// Package model holds the record shapes shared by the cache,
// the sync engine and the API client.
package model

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EntityType names a synced entity collection.
type EntityType string

const (
	EntityLead EntityType = "lead"
	EntityCall EntityType = "call"
)

// Record is a loosely-typed entity as the server returns it.
// Leads carry fields such as companyName and status; calls
// carry leadId, outcome and notes. Only "id" is interpreted.
type Record map[string]any

// ID returns the record's id as a string. Numeric ids are
// formatted without a fractional part. It returns "" when the
// record has no usable id.
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Merge returns a copy of r with the fields of patch applied
// on top.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	maps.Copy(out, patch)
	return out
}

// Without returns a copy of r with the named fields removed.
func (r Record) Without(fields ...string) Record {
	out := r.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// LocalIDPrefix marks ids assigned on this client before the
// server has seen the record.
const LocalIDPrefix = "local-"

// NewLocalID returns a fresh client-side temporary id.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was assigned by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
