package store

import (
	"fmt"

	"github.com/ashrun/ash/internal/db/dialect"
)

// serialPK returns the auto-incrementing primary key column for the driver.
func (s *Store) serialPK() string {
	if dialect.IsPostgres(s.driver) {
		return "id BIGSERIAL PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}

// initSchema creates the tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initAgentSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initMessageSchema(); err != nil {
		return err
	}
	return s.initFleetSchema()
}

func (s *Store) initAgentSchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT 'default',
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(tenant_id, name)
	);
	`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT 'default',
		agent_name TEXT NOT NULL,
		sandbox_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'starting',
		runner_id TEXT DEFAULT '',
		parent_session_id TEXT DEFAULT '',
		model TEXT DEFAULT '',
		upstream_session_id TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant_agent ON sessions(tenant_id, agent_name);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT 'default',
		session_id TEXT DEFAULT '',
		agent_name TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'cold',
		workspace_dir TEXT DEFAULT '',
		caps TEXT DEFAULT '{}',
		last_used_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_state_last_used ON sandboxes(state, last_used_at);
	`)
	return err
}

func (s *Store) initMessageSchema() error {
	_, err := s.w.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS messages (
		%s,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		content TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence);

	CREATE TABLE IF NOT EXISTS session_events (
		%s,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT DEFAULT '{}',
		sequence INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_session_seq ON session_events(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_session_events_session_type ON session_events(session_id, type);
	`, s.serialPK(), s.serialPK()))
	return err
}

func (s *Store) initFleetSchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS runners (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		max_sandboxes INTEGER NOT NULL DEFAULT 0,
		active_count INTEGER NOT NULL DEFAULT 0,
		warming_count INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at TIMESTAMP NOT NULL,
		registered_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT 'default',
		key_hash TEXT NOT NULL UNIQUE,
		label TEXT DEFAULT '',
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
	`)
	return err
}
