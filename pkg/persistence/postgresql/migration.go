package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_definitions (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT,
				version INTEGER NOT NULL DEFAULT 1,
				steps JSONB NOT NULL DEFAULT '[]',
				variables JSONB,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_definitions_name ON workflow_definitions(name);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				project_id VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_step_index INTEGER NOT NULL DEFAULT 0,
				total_steps INTEGER NOT NULL DEFAULT 0,
				context_data JSONB,
				step_results JSONB NOT NULL DEFAULT '[]',
				paused_reason TEXT,
				error_message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				paused_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_project ON workflow_executions(project_id);
			CREATE INDEX idx_workflow_executions_workflow ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);

			CREATE TABLE approval_requests (
				id VARCHAR(255) PRIMARY KEY,
				project_id VARCHAR(255) NOT NULL,
				task_id VARCHAR(255) NOT NULL,
				agent_type VARCHAR(255) NOT NULL,
				request_type VARCHAR(255) NOT NULL,
				request_data JSONB NOT NULL DEFAULT '{}',
				estimated_tokens INTEGER NOT NULL DEFAULT 0,
				estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'amended', 'expired')),
				user_response TEXT,
				user_comment TEXT,
				amended_content JSONB,
				history JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				responded_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_approval_requests_project ON approval_requests(project_id);
			CREATE INDEX idx_approval_requests_task ON approval_requests(task_id);
			CREATE INDEX idx_approval_requests_status ON approval_requests(status);

			CREATE TABLE budget_controls (
				project_id VARCHAR(255) NOT NULL,
				agent_type VARCHAR(255) NOT NULL,
				tokens_used_today INTEGER NOT NULL DEFAULT 0,
				tokens_used_session INTEGER NOT NULL DEFAULT 0,
				daily_token_limit INTEGER NOT NULL DEFAULT 0,
				session_token_limit INTEGER NOT NULL DEFAULT 0,
				budget_reset_at TIMESTAMP WITH TIME ZONE NOT NULL,
				emergency_stop_enabled BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (project_id, agent_type)
			);

			CREATE TABLE emergency_stops (
				id VARCHAR(255) PRIMARY KEY,
				project_id VARCHAR(255),
				agent_type VARCHAR(255),
				reason TEXT NOT NULL,
				triggered_by VARCHAR(50) NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deactivated_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_emergency_stops_active ON emergency_stops(active);
		`,
	}
}
