package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/integratedmodelling/klab-go/internal/service"
)

// Endpoint is a persisted service endpoint: enough to reconstruct a client on
// the next start without rediscovery.
type Endpoint struct {
	Type      service.Type
	URL       string
	ServiceID string
	LastSeen  time.Time
}

// Catalog persists known service endpoints across restarts in a local sqlite
// file. The discovery loop saves every endpoint that ever answered a probe
// and seeds itself from the catalog on startup.
type Catalog struct {
	db *sql.DB
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS known_services (
	service_type TEXT NOT NULL,
	url          TEXT NOT NULL,
	service_id   TEXT NOT NULL DEFAULT '',
	last_seen    INTEGER NOT NULL,
	PRIMARY KEY (service_type, url)
);`

// OpenCatalog opens or creates the catalog database at path. Use ":memory:"
// for an ephemeral catalog.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open catalog %s: %w", path, err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: init catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Save upserts an endpoint, refreshing its last-seen timestamp.
func (c *Catalog) Save(ctx context.Context, e Endpoint) error {
	if e.LastSeen.IsZero() {
		e.LastSeen = time.Now()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO known_services (service_type, url, service_id, last_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (service_type, url) DO UPDATE SET
		   service_id = excluded.service_id,
		   last_seen  = excluded.last_seen`,
		string(e.Type), e.URL, e.ServiceID, e.LastSeen.Unix(),
	)
	if err != nil {
		return fmt.Errorf("registry: save endpoint %s %s: %w", e.Type, e.URL, err)
	}
	return nil
}

// Load returns all persisted endpoints, most recently seen first.
func (c *Catalog) Load(ctx context.Context) ([]Endpoint, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT service_type, url, service_id, last_seen
		 FROM known_services
		 ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: load catalog: %w", err)
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		var typ string
		var seen int64
		if err := rows.Scan(&typ, &e.URL, &e.ServiceID, &seen); err != nil {
			return nil, fmt.Errorf("registry: scan endpoint: %w", err)
		}
		e.Type = service.Type(typ)
		e.LastSeen = time.Unix(seen, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes an endpoint from the catalog.
func (c *Catalog) Remove(ctx context.Context, t service.Type, url string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM known_services WHERE service_type = ? AND url = ?`, string(t), url)
	if err != nil {
		return fmt.Errorf("registry: remove endpoint %s %s: %w", t, url, err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error { return c.db.Close() }
