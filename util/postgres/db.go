// Package postgres archives fleet and session state to PostgreSQL. The
// database is a write-behind record for reporting and billing; the live
// coordination path never reads from it.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vpn-enterprise/vpncore/registry"
	"github.com/vpn-enterprise/vpncore/tracker"
)

// DB wraps a PostgreSQL connection with the archive schema and queries.
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB opens a database connection using the provided configuration.
func NewDB(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:   conn,
		config: config,
	}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks if the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InitSchema creates the archive tables.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Latest known state per fleet server
	CREATE TABLE IF NOT EXISTS vpncore_servers (
		server_id VARCHAR(255) PRIMARY KEY,
		address VARCHAR(255) NOT NULL,
		region VARCHAR(64) NOT NULL,
		protocols TEXT[] NOT NULL,
		capacity INTEGER NOT NULL,
		premium BOOLEAN NOT NULL DEFAULT FALSE,
		connections INTEGER NOT NULL DEFAULT 0,
		health VARCHAR(32) NOT NULL,
		throughput_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_vpncore_servers_region ON vpncore_servers(region);

	-- One row per finished session
	CREATE TABLE IF NOT EXISTS vpncore_sessions (
		session_id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		device_id VARCHAR(255) NOT NULL,
		server_id VARCHAR(255) NOT NULL,
		protocol VARCHAR(32) NOT NULL,
		state VARCHAR(32) NOT NULL,
		disconnect_reason VARCHAR(64),
		bytes_in BIGINT NOT NULL DEFAULT 0,
		bytes_out BIGINT NOT NULL DEFAULT 0,
		established_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_vpncore_sessions_user ON vpncore_sessions(user_id, ended_at);
	CREATE INDEX IF NOT EXISTS idx_vpncore_sessions_server ON vpncore_sessions(server_id);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveServer upserts the latest snapshot of a fleet server.
func (db *DB) SaveServer(ctx context.Context, node registry.ServerNode) error {
	protocols := make([]string, 0, len(node.Protocols))
	for _, p := range node.Protocols {
		protocols = append(protocols, string(p))
	}

	query := `
	INSERT INTO vpncore_servers
		(server_id, address, region, protocols, capacity, premium, connections, health, throughput_bps, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
	ON CONFLICT (server_id) DO UPDATE SET
		address = EXCLUDED.address,
		region = EXCLUDED.region,
		protocols = EXCLUDED.protocols,
		capacity = EXCLUDED.capacity,
		premium = EXCLUDED.premium,
		connections = EXCLUDED.connections,
		health = EXCLUDED.health,
		throughput_bps = EXCLUDED.throughput_bps,
		updated_at = CURRENT_TIMESTAMP`

	_, err := db.conn.ExecContext(ctx, query,
		node.ID, node.Address, node.Region, pq.Array(protocols),
		node.Capacity, node.Premium, node.Connections,
		node.Health.String(), node.ThroughputBPS)
	if err != nil {
		return fmt.Errorf("failed to save server %s: %w", node.ID, err)
	}
	return nil
}

// SaveSession upserts the final record of a finished session.
func (db *DB) SaveSession(ctx context.Context, s tracker.Session) error {
	var endedAt interface{}
	if !s.EndedAt.IsZero() {
		endedAt = s.EndedAt
	}

	query := `
	INSERT INTO vpncore_sessions
		(session_id, user_id, device_id, server_id, protocol, state, disconnect_reason, bytes_in, bytes_out, established_at, ended_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (session_id) DO UPDATE SET
		state = EXCLUDED.state,
		disconnect_reason = EXCLUDED.disconnect_reason,
		bytes_in = EXCLUDED.bytes_in,
		bytes_out = EXCLUDED.bytes_out,
		ended_at = EXCLUDED.ended_at`

	_, err := db.conn.ExecContext(ctx, query,
		s.ID, s.UserID, s.DeviceID, s.ServerID, string(s.Protocol),
		s.State.String(), s.DisconnectReason,
		int64(s.BytesIn), int64(s.BytesOut), s.EstablishedAt, endedAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// UserTotals returns a user's archived transfer totals across all finished
// sessions.
func (db *DB) UserTotals(ctx context.Context, userID string) (bytesIn, bytesOut uint64, err error) {
	query := `
	SELECT COALESCE(SUM(bytes_in), 0), COALESCE(SUM(bytes_out), 0)
	FROM vpncore_sessions WHERE user_id = $1`

	var in, out int64
	if err := db.conn.QueryRowContext(ctx, query, userID).Scan(&in, &out); err != nil {
		return 0, 0, fmt.Errorf("failed to query totals for %s: %w", userID, err)
	}
	return uint64(in), uint64(out), nil
}
