package store

import (
	"fmt"
	"strings"

	"github.com/nwfabric/dpb/internal/config"
)

// schemaStatements renders the CREATE TABLE IF NOT EXISTS statements
// for the six tables, with table names taken from the configuration.
// Names are substituted as identifiers (not
// bind parameters): they come from operator configuration, not request
// input, the same trust boundary the Trunk/Service tables' own foreign
// keys rely on.
func schemaStatements(t config.Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			subnetwork TEXT NOT NULL,
			subname TEXT NOT NULL,
			UNIQUE (subnetwork, subname)
		)`, ident(t.Terminals)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			start_network TEXT NOT NULL,
			start_name TEXT NOT NULL,
			end_network TEXT NOT NULL,
			end_name TEXT NOT NULL,
			up_cap BIGINT NOT NULL CHECK (up_cap >= 0),
			down_cap BIGINT NOT NULL CHECK (down_cap >= 0),
			metric BIGINT NOT NULL CHECK (metric >= 0),
			commissioned BOOLEAN NOT NULL DEFAULT TRUE
		)`, ident(t.Trunks)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			trunk_id BIGINT NOT NULL REFERENCES %s(id),
			start_label BIGINT NOT NULL,
			end_label BIGINT NOT NULL,
			up_alloc BIGINT,
			down_alloc BIGINT,
			service_id BIGINT,
			UNIQUE (trunk_id, start_label),
			UNIQUE (trunk_id, end_label),
			CHECK ((service_id IS NULL AND up_alloc IS NULL AND down_alloc IS NULL)
				OR (service_id IS NOT NULL AND up_alloc IS NOT NULL AND down_alloc IS NOT NULL))
		)`, ident(t.Labels), ident(t.Trunks)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			intent SMALLINT NOT NULL DEFAULT 0
		)`, ident(t.Services)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_id BIGINT NOT NULL REFERENCES %s(id),
			terminal_id BIGINT NOT NULL REFERENCES %s(id),
			label BIGINT NOT NULL,
			ingress BIGINT NOT NULL CHECK (ingress >= 0),
			egress BIGINT NOT NULL CHECK (egress >= 0),
			shaping BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (service_id, terminal_id, label)
		)`, ident(t.ServiceCircuits), ident(t.Services), ident(t.Terminals)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			service_id BIGINT NOT NULL REFERENCES %s(id),
			subservice_id TEXT NOT NULL,
			subnetwork_name TEXT NOT NULL,
			PRIMARY KEY (service_id, subservice_id)
		)`, ident(t.Subservices), ident(t.Services)),
	}
}

// ident double-quotes a configured table name so it can be used safely as
// an identifier even if the operator picked a name that collides with a
// SQL keyword.
func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
