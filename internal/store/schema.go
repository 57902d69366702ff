package store

// DDL per backend. Statements are idempotent so EnsureSchema can run at
// every migrate invocation.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS operations (
		id UUID PRIMARY KEY,
		external_id UUID NOT NULL UNIQUE,
		name TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id UUID PRIMARY KEY,
		operation_external_id UUID NOT NULL REFERENCES operations(external_id),
		agent_host TEXT,
		agent_paw TEXT,
		link_id UUID NOT NULL,
		command TEXT,
		pid INTEGER,
		status INTEGER,
		result_data JSONB,
		agent_reported_at TIMESTAMPTZ,
		link_state TEXT,
		raw_message JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (operation_external_id, link_id)
	)`,
	`CREATE TABLE IF NOT EXISTS detection_executions (
		id UUID PRIMARY KEY,
		execution_id UUID NOT NULL REFERENCES executions(id),
		operation_external_id UUID NOT NULL REFERENCES operations(external_id),
		detection_type TEXT NOT NULL CHECK (detection_type IN ('api','windows','linux','darwin')),
		detection_platform TEXT NOT NULL,
		detection_config JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','running','completed','failed','cancelled')),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		execution_metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		CHECK (retry_count >= 0 AND retry_count <= max_retries)
	)`,
	`CREATE TABLE IF NOT EXISTS detection_results (
		id UUID PRIMARY KEY,
		detection_execution_id UUID NOT NULL REFERENCES detection_executions(id),
		detected BOOLEAN,
		raw_response JSONB,
		parsed_results JSONB,
		result_timestamp TIMESTAMPTZ NOT NULL,
		result_source TEXT,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_operation ON executions(operation_external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_detection_executions_execution ON detection_executions(execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_detection_executions_status ON detection_executions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_detection_results_execution ON detection_results(detection_execution_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		started_at TIMESTAMP,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		operation_external_id TEXT NOT NULL REFERENCES operations(external_id),
		agent_host TEXT,
		agent_paw TEXT,
		link_id TEXT NOT NULL,
		command TEXT,
		pid INTEGER,
		status INTEGER,
		result_data TEXT,
		agent_reported_at TIMESTAMP,
		link_state TEXT,
		raw_message TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (operation_external_id, link_id)
	)`,
	`CREATE TABLE IF NOT EXISTS detection_executions (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(id),
		operation_external_id TEXT NOT NULL REFERENCES operations(external_id),
		detection_type TEXT NOT NULL CHECK (detection_type IN ('api','windows','linux','darwin')),
		detection_platform TEXT NOT NULL,
		detection_config TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','running','completed','failed','cancelled')),
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		execution_metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		CHECK (retry_count >= 0 AND retry_count <= max_retries)
	)`,
	`CREATE TABLE IF NOT EXISTS detection_results (
		id TEXT PRIMARY KEY,
		detection_execution_id TEXT NOT NULL REFERENCES detection_executions(id),
		detected BOOLEAN,
		raw_response TEXT,
		parsed_results TEXT,
		result_timestamp TIMESTAMP NOT NULL,
		result_source TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_operation ON executions(operation_external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_detection_executions_execution ON detection_executions(execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_detection_executions_status ON detection_executions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_detection_results_execution ON detection_results(detection_execution_id)`,
}
