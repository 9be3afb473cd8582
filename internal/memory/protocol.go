// Package memory implements the single-writer gateway that owns the
// vector store and its FTS5 companion. A long-lived process serves a
// newline-delimited JSON protocol over a Unix domain socket; everything
// else in the runtime talks to it through the Client in this package.
package memory

import "encoding/json"

// Collections are the five logical stores behind the gateway.
const (
	CollectionKnowledge    = "knowledge"
	CollectionFixOutcomes  = "fix_outcomes"
	CollectionObservations = "observations"
	CollectionWebPages     = "web_pages"
	CollectionQuarantine   = "quarantine"
)

// Collections lists every valid collection name.
var Collections = []string{
	CollectionKnowledge,
	CollectionFixOutcomes,
	CollectionObservations,
	CollectionWebPages,
	CollectionQuarantine,
}

// Methods of the gateway protocol.
const (
	MethodPing         = "ping"
	MethodCount        = "count"
	MethodQuery        = "query"
	MethodGet          = "get"
	MethodUpsert       = "upsert"
	MethodDelete       = "delete"
	MethodAutoRemember = "auto_remember"
	MethodFlushQueue   = "flush_queue"
	MethodBackup       = "backup"
)

// MaxResponseBytes bounds a single response line.
const MaxResponseBytes = 10 << 20

// Request is one protocol request: a single JSON line, one request per
// connection.
type Request struct {
	Method     string          `json:"method"`
	Collection string          `json:"collection,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Response is the single JSON line answered to each request.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Row is one record in a collection.
type Row struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// QueryParams selects rows by semantic similarity, optionally filtered
// by metadata equality.
type QueryParams struct {
	Query string            `json:"query"`
	Limit int               `json:"limit,omitempty"`
	Where map[string]string `json:"where,omitempty"`
}

// Hit is one query result. Distance is cosine distance: 0 identical,
// 1 orthogonal.
type Hit struct {
	Row
	Distance float64 `json:"distance"`
}

// GetParams fetches rows by id.
type GetParams struct {
	IDs []string `json:"ids"`
}

// UpsertParams writes rows into a collection.
type UpsertParams struct {
	Rows []Row `json:"rows"`
}

// DeleteParams removes rows by id.
type DeleteParams struct {
	IDs []string `json:"ids"`
}

// RememberParams is one auto_remember record: freeform text destined
// for the knowledge collection, with optional metadata.
type RememberParams struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Critical bool              `json:"critical,omitempty"`
}

// CountResult answers count.
type CountResult struct {
	Count int `json:"count"`
}

// FlushResult answers flush_queue.
type FlushResult struct {
	Drained int `json:"drained"`
}

// BackupParams requests a VACUUM INTO copy of the store.
type BackupParams struct {
	Dest string `json:"dest,omitempty"`
}

// BackupResult reports where the backup landed.
type BackupResult struct {
	Path string `json:"path"`
}

// validCollection reports whether name is one of the five stores.
func validCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}
