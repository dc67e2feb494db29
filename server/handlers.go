package server

import (
	"context"

	"github.com/onnwee/streamscraper/scrape"
)

// Pinger is a database handle that can be probed. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database is a named store connection checked by /healthz and /readyz.
type Database struct {
	Name string
	DB   Pinger
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	databases []Database
	stores    []scrape.RunLogReader
	check     *scrape.RunLogCheck
}

// NewHandlers creates the handlers. check decides which procedures /status
// reports as stale; its stores are the ones listed.
func NewHandlers(databases []Database, check *scrape.RunLogCheck) *Handlers {
	h := &Handlers{databases: databases, check: check}
	if check != nil {
		h.stores = check.Stores
	}
	return h
}
