package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'inactive')),
				trigger_config JSONB NOT NULL DEFAULT '{}',
				graph JSONB NOT NULL,
				tags JSONB NOT NULL DEFAULT '[]',
				executions INTEGER NOT NULL DEFAULT 0,
				completed INTEGER NOT NULL DEFAULT 0,
				success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
				activated_at TIMESTAMP WITH TIME ZONE,
				deactivated_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flows_status ON flows(status);

			CREATE TABLE flow_executions (
				id VARCHAR(255) PRIMARY KEY,
				flow_id VARCHAR(255) NOT NULL REFERENCES flows(id),
				conversation_id VARCHAR(255) NOT NULL,
				contact_id VARCHAR(255) NOT NULL DEFAULT '',
				trigger_data JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'cancelled')),
				current_node_id VARCHAR(255) NOT NULL DEFAULT '',
				execution_data JSONB NOT NULL DEFAULT '{}',
				waiting_for VARCHAR(50) NOT NULL DEFAULT '',
				resume_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_executions_flow_id ON flow_executions(flow_id);
			CREATE INDEX idx_flow_executions_conversation_id ON flow_executions(conversation_id);

			CREATE TABLE execution_logs (
				seq BIGSERIAL PRIMARY KEY,
				id VARCHAR(255) NOT NULL UNIQUE,
				execution_id VARCHAR(255) NOT NULL REFERENCES flow_executions(id),
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				input_data JSONB,
				output_data JSONB,
				status VARCHAR(50) NOT NULL,
				error_message TEXT NOT NULL DEFAULT '',
				duration_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_logs_execution_id ON execution_logs(execution_id, created_at, seq);
		`,
		2: `
			-- At most one running execution per conversation
			CREATE UNIQUE INDEX ux_flow_executions_running_conversation
				ON flow_executions(conversation_id) WHERE status = 'running';

			CREATE INDEX idx_flow_executions_due_delay
				ON flow_executions(resume_at) WHERE status = 'running' AND waiting_for = 'delay';
		`,
	}
}
