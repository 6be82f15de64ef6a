package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_definitions (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'active', 'deprecated', 'archived')),
				enabled BOOLEAN NOT NULL DEFAULT false,
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				config JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (name, version)
			);

			CREATE INDEX idx_workflow_definitions_status ON workflow_definitions(status);

			CREATE TABLE workflow_instances (
				id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL,
				definition_name VARCHAR(255) NOT NULL,
				definition_version INTEGER NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'paused', 'completed', 'failed', 'cancelled')),
				business_key VARCHAR(255),
				mutex_key VARCHAR(255),
				priority INTEGER NOT NULL DEFAULT 0,
				current_node_id VARCHAR(255),
				completed_nodes JSONB NOT NULL DEFAULT '[]',
				failed_nodes JSONB NOT NULL DEFAULT '[]',
				skipped_nodes JSONB NOT NULL DEFAULT '[]',
				execution_path JSONB NOT NULL DEFAULT '[]',
				input JSONB,
				outputs JSONB,
				node_errors JSONB,
				pending_retries JSONB,
				error_kind VARCHAR(50) NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				parent_instance_id TEXT,
				parent_node_id VARCHAR(255),
				parent_attempt INTEGER NOT NULL DEFAULT 0,
				start_requested BOOLEAN NOT NULL DEFAULT false,
				owner_id VARCHAR(255) NOT NULL DEFAULT '',
				heartbeat_at TIMESTAMP WITH TIME ZONE,
				revision BIGINT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
			CREATE INDEX idx_workflow_instances_business_key ON workflow_instances(business_key);
			CREATE INDEX idx_workflow_instances_mutex_key ON workflow_instances(mutex_key);
			CREATE INDEX idx_workflow_instances_parent ON workflow_instances(parent_instance_id, parent_node_id);

			CREATE TABLE node_executions (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				attempt INTEGER NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'success', 'failed', 'skipped', 'cancelled')),
				start_time TIMESTAMP WITH TIME ZONE,
				end_time TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				error_kind VARCHAR(50) NOT NULL DEFAULT '',
				input_data JSONB,
				output_data JSONB,
				lease_owner VARCHAR(255) NOT NULL DEFAULT '',
				heartbeat_at TIMESTAMP WITH TIME ZONE,
				child_instance_id TEXT,
				UNIQUE (instance_id, node_id, attempt)
			);

			CREATE INDEX idx_node_executions_status ON node_executions(status);

			CREATE TABLE loop_executions (
				instance_id TEXT NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				iterations JSONB NOT NULL DEFAULT '[]',
				current_iteration INTEGER NOT NULL DEFAULT 0,
				total_iterations INTEGER NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (instance_id, node_id)
			);

			CREATE TABLE execution_logs (
				id TEXT PRIMARY KEY,
				seq BIGSERIAL NOT NULL,
				instance_id TEXT NOT NULL,
				node_id VARCHAR(255),
				attempt INTEGER NOT NULL DEFAULT 0,
				level VARCHAR(10) NOT NULL CHECK (level IN ('debug', 'info', 'warn', 'error')),
				message TEXT NOT NULL,
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				engine_instance_id VARCHAR(255) NOT NULL
			);

			CREATE INDEX idx_execution_logs_instance ON execution_logs(instance_id, seq);
		`,
	}
}
