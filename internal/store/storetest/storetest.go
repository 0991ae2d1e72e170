// Package storetest runs a graph store over a temporary SQLite database for
// tests in other packages.
package storetest

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"harvestline/internal/db"
	"harvestline/internal/migrate"
	"harvestline/internal/store"
)

// Env is a running store.
type Env struct {
	// Namespace is the absolute URI prefix served by the store.
	Namespace string
	Server    *httptest.Server
	Store     *store.Store
	Lineage   *store.Lineage
	DB        *sql.DB
	Dialect   db.Dialect
}

// Start migrates a fresh workspace database and serves the store on a local
// port. Everything is torn down with the test.
func Start(t testing.TB) *Env {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn, dialect)

	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	ns := srv.URL + "/resources"
	h, err = store.Handler(st, ns, nil)
	if err != nil {
		t.Fatalf("store handler: %v", err)
	}
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &Env{
		Namespace: ns,
		Server:    srv,
		Store:     st,
		Lineage:   store.NewLineage(st),
		DB:        conn,
		Dialect:   dialect,
	}
}
