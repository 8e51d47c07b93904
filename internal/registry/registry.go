// Package registry maps the short public model aliases exposed by the
// gateway to the opaque Bedrock model identifiers that back them.
//
// The catalog is built once at startup and never mutated afterwards, so it
// is safe to share across concurrent requests without locking.
package registry

import "strings"

// thinkingSuffix marks aliases that denote a reasoning-enabled variant.
const thinkingSuffix = "-thinking"

// Entry is one immutable catalog row.
type Entry struct {
	Alias     string
	BackendID string
	// Thinking is true when the alias denotes a reasoning-enabled variant.
	Thinking bool
}

// Registry resolves aliases to backend model identifiers.
type Registry struct {
	entries   []Entry
	byAlias   map[string]Entry
	defaultID string
}

// DefaultBackendID is the model every unknown alias falls back to.
const DefaultBackendID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

// defaultCatalog mirrors the aliases the service has always shipped with.
// The thinking variant shares a backend id with its base model — the
// difference is purely in the request the normalizer builds.
var defaultCatalog = []Entry{
	{Alias: "claude-3-7-sonnet", BackendID: "us.anthropic.claude-3-7-sonnet-20250219-v1:0"},
	{Alias: "claude-3-7-sonnet-thinking", BackendID: "us.anthropic.claude-3-7-sonnet-20250219-v1:0"},
	{Alias: "claude-3-opus", BackendID: "anthropic.claude-3-opus-20240229-v1:0"},
	{Alias: "claude-3-5-sonnet", BackendID: "anthropic.claude-3-5-sonnet-20240620-v1:0"},
	{Alias: "claude-3-sonnet", BackendID: "anthropic.claude-3-sonnet-20240229-v1:0"},
	{Alias: "claude-3-haiku", BackendID: "anthropic.claude-3-haiku-20240307-v1:0"},
	{Alias: "claude-2", BackendID: "anthropic.claude-v2:1"},
	{Alias: "claude-instant", BackendID: "anthropic.claude-instant-v1"},
}

// New builds a registry over the built-in catalog with the given fallback
// backend id. An empty defaultID selects DefaultBackendID.
func New(defaultID string) *Registry {
	return NewFromEntries(defaultCatalog, defaultID)
}

// NewFromEntries builds a registry over an explicit entry list, preserving
// order for List. Thinking capability is derived from the alias name.
func NewFromEntries(entries []Entry, defaultID string) *Registry {
	if defaultID == "" {
		defaultID = DefaultBackendID
	}

	r := &Registry{
		entries:   make([]Entry, 0, len(entries)),
		byAlias:   make(map[string]Entry, len(entries)),
		defaultID: defaultID,
	}
	for _, e := range entries {
		e.Thinking = strings.HasSuffix(e.Alias, thinkingSuffix)
		r.entries = append(r.entries, e)
		r.byAlias[e.Alias] = e
	}
	return r
}

// Resolve returns the backend id for alias, falling back to the configured
// default when the alias is unknown.
func (r *Registry) Resolve(alias string) string {
	if e, ok := r.byAlias[alias]; ok {
		return e.BackendID
	}
	return r.defaultID
}

// Lookup returns the full entry for alias. Unknown aliases keep their
// requested name but resolve to the default backend id; an empty alias takes
// the default backend's primary name.
func (r *Registry) Lookup(alias string) Entry {
	if e, ok := r.byAlias[alias]; ok {
		return e
	}
	name := alias
	if name == "" {
		name = r.ReverseLookup(r.defaultID)
	}
	return Entry{Alias: name, BackendID: r.defaultID}
}

// AliasBackendID returns the built-in catalog's backend id for alias, or ""
// when alias is not a known catalog name.
func AliasBackendID(alias string) string {
	for _, e := range defaultCatalog {
		if e.Alias == alias {
			return e.BackendID
		}
	}
	return ""
}

// ReverseLookup returns the first alias mapped to backendID, or "".
func (r *Registry) ReverseLookup(backendID string) string {
	for _, e := range r.entries {
		if e.BackendID == backendID {
			return e.Alias
		}
	}
	return ""
}

// ThinkingCapable reports whether alias denotes a reasoning-enabled variant.
// Unknown aliases are not thinking-capable.
func (r *Registry) ThinkingCapable(alias string) bool {
	return r.byAlias[alias].Thinking
}

// List returns the catalog in declaration order. The returned slice is a
// copy; callers may not mutate registry state through it.
func (r *Registry) List() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Default returns the fallback backend id.
func (r *Registry) Default() string { return r.defaultID }
