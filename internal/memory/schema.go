package memory

import "strings"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		assistant_id    TEXT NOT NULL,
		platform        TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		scope           TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_assistant ON sessions(assistant_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS session_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_messages ON session_messages(session_id, id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id              VARCHAR(36) PRIMARY KEY,
		assistant_id    VARCHAR(128) NOT NULL,
		platform        VARCHAR(32) NOT NULL,
		conversation_id VARCHAR(255) NOT NULL,
		scope           VARCHAR(16) NOT NULL,
		title           VARCHAR(255) NOT NULL DEFAULT '',
		created_at      DATETIME(3) NOT NULL,
		updated_at      DATETIME(3) NOT NULL,
		INDEX idx_sessions_assistant (assistant_id, updated_at)
	) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS session_messages (
		id         BIGINT AUTO_INCREMENT PRIMARY KEY,
		session_id VARCHAR(36) NOT NULL,
		role       VARCHAR(16) NOT NULL,
		content    MEDIUMTEXT NOT NULL,
		created_at DATETIME(3) NOT NULL,
		INDEX idx_session_messages (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	) CHARACTER SET utf8mb4`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		assistant_id    TEXT NOT NULL,
		platform        TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		scope           TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_assistant ON sessions(assistant_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS session_messages (
		id         BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_messages ON session_messages(session_id, id)`,
}

func schemaFor(driver string) []string {
	switch driver {
	case "mysql":
		return mysqlSchema
	case "postgres":
		return postgresSchema
	default:
		return sqliteSchema
	}
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
