package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  context_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  agent_name TEXT NOT NULL,
  status TEXT NOT NULL,
  final_text TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_context ON tasks(context_id, created_at);

CREATE TABLE IF NOT EXISTS task_messages (
  message_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  context_id TEXT NOT NULL,
  role TEXT NOT NULL,
  sequence_number INTEGER NOT NULL,
  parts_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  UNIQUE(task_id, sequence_number),
  FOREIGN KEY(task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_messages_context ON task_messages(context_id, created_at, sequence_number);

CREATE TABLE IF NOT EXISTS task_artifacts (
  task_id TEXT NOT NULL,
  context_id TEXT NOT NULL,
  artifact_id TEXT NOT NULL,
  name TEXT,
  description TEXT,
  artifact_type TEXT,
  source TEXT,
  tool_name TEXT,
  mcp_execution_id TEXT,
  fingerprint TEXT,
  skill_id TEXT,
  skill_name TEXT,
  metadata_json TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(task_id, artifact_id),
  FOREIGN KEY(task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS artifact_parts (
  id TEXT PRIMARY KEY,
  artifact_id TEXT NOT NULL,
  context_id TEXT NOT NULL,
  part_kind TEXT NOT NULL,
  sequence_number INTEGER NOT NULL,
  text_content TEXT,
  file_name TEXT,
  file_mime_type TEXT,
  file_bytes TEXT,
  data_content TEXT,
  metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_artifact_parts_artifact ON artifact_parts(artifact_id, context_id, sequence_number);

CREATE TABLE IF NOT EXISTS execution_steps (
  step_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  step_order INTEGER NOT NULL,
  status TEXT NOT NULL,
  tool_name TEXT,
  mcp_execution_id TEXT,
  ai_tool_call_id TEXT,
  started_at TEXT NOT NULL,
  completed_at TEXT,
  error_message TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_steps_call ON execution_steps(ai_tool_call_id) WHERE ai_tool_call_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_execution_steps_task ON execution_steps(task_id, step_order);

CREATE TABLE IF NOT EXISTS mcp_tool_executions (
  mcp_execution_id TEXT PRIMARY KEY,
  tool_name TEXT NOT NULL,
  server_name TEXT NOT NULL,
  status TEXT NOT NULL,
  input TEXT NOT NULL,
  output TEXT,
  error_message TEXT,
  execution_time_ms INTEGER,
  started_at TEXT NOT NULL,
  completed_at TEXT,
  user_id TEXT,
  context_id TEXT,
  session_id TEXT,
  task_id TEXT,
  trace_id TEXT,
  ai_tool_call_id TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_mcp_tool_executions_call ON mcp_tool_executions(ai_tool_call_id) WHERE ai_tool_call_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_mcp_tool_executions_task ON mcp_tool_executions(task_id, started_at);
`
