package postgresql

// migrations returns the ordered schema migrations for the job store and the
// execution checkpoint store.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS jobs (
				id UUID PRIMARY KEY,
				execution_id TEXT NOT NULL,
				type TEXT NOT NULL,
				payload JSONB,
				priority INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'queued',
				worker_id TEXT,
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				error_message TEXT,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_jobs_claim
				ON jobs (priority DESC, created_at ASC)
				WHERE status IN ('queued', 'running');

			CREATE INDEX IF NOT EXISTS idx_jobs_execution_id ON jobs (execution_id);
		`,
		2: `
			CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				version INTEGER NOT NULL,
				state JSONB NOT NULL DEFAULT '{}',
				execution_order JSONB NOT NULL DEFAULT '[]',
				audit_trail JSONB NOT NULL DEFAULT '[]',
				pending_decision JSONB,
				status TEXT NOT NULL DEFAULT 'running',
				error_message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);
		`,
	}
}
