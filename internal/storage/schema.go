package storage

// schemaVersion is the current database schema version.
const schemaVersion = 1

// Timestamps are unix nanoseconds; 0 means unset.
const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',

    method TEXT NOT NULL,
    target TEXT NOT NULL,
    proto TEXT NOT NULL,
    request_headers TEXT NOT NULL,
    request_body BLOB,
    request_body_size INTEGER NOT NULL,
    request_truncated INTEGER NOT NULL,
    received_at INTEGER NOT NULL,

    response_status INTEGER NOT NULL,
    response_headers TEXT NOT NULL,
    response_body BLOB,
    response_body_size INTEGER NOT NULL,
    response_truncated INTEGER NOT NULL,
    first_byte_at INTEGER NOT NULL,
    last_byte_at INTEGER NOT NULL,

    duration_ns INTEGER NOT NULL,
    client_addr TEXT NOT NULL,
    backend_addr TEXT NOT NULL,
    body_encoding TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchanges(status);
CREATE INDEX IF NOT EXISTS idx_exchanges_received_at ON exchanges(received_at);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);
`

const insertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

const selectSchemaVersion = `SELECT MAX(version) FROM schema_version;`

const insertExchange = `
INSERT INTO exchanges (
    id, session_id, status, error,
    method, target, proto, request_headers, request_body, request_body_size, request_truncated, received_at,
    response_status, response_headers, response_body, response_body_size, response_truncated, first_byte_at, last_byte_at,
    duration_ns, client_addr, backend_addr, body_encoding
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const selectColumns = `
    id, session_id, status, error,
    method, target, proto, request_headers, request_body, request_body_size, request_truncated, received_at,
    response_status, response_headers, response_body, response_body_size, response_truncated, first_byte_at, last_byte_at,
    duration_ns, client_addr, backend_addr, body_encoding
`
