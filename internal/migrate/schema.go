package migrate

// initialSchemaSQL creates every table named in the data model: projects,
// sessions, tasks and their dependency/history satellites, memories,
// workflow state, and the MCP server/tool cache.
const initialSchemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	repo_path TEXT NOT NULL,
	github_repo TEXT,
	linear_team_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	source TEXT NOT NULL,
	project_id TEXT NOT NULL REFERENCES projects(id),
	seq_num INTEGER,
	title TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	jsonl_path TEXT,
	summary_path TEXT,
	summary_markdown TEXT,
	compact_markdown TEXT,
	git_branch TEXT,
	parent_session_id TEXT REFERENCES sessions(id),
	agent_depth INTEGER NOT NULL DEFAULT 0,
	spawned_by_agent_id TEXT,
	workflow_name TEXT,
	agent_run_id TEXT,
	context_injected INTEGER NOT NULL DEFAULT 0,
	original_prompt TEXT,
	transcript_processed INTEGER NOT NULL DEFAULT 0,
	terminal_context TEXT,
	usage_input_tokens INTEGER NOT NULL DEFAULT 0,
	usage_output_tokens INTEGER NOT NULL DEFAULT 0,
	usage_cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	usage_cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	usage_total_cost_usd REAL NOT NULL DEFAULT 0,
	model TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (external_id, machine_id, source)
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	parent_task_id TEXT REFERENCES tasks(id),
	created_in_session_id TEXT,
	closed_in_session_id TEXT,
	closed_commit_sha TEXT,
	closed_at TEXT,
	title TEXT NOT NULL,
	description TEXT,
	details TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	priority INTEGER NOT NULL DEFAULT 2,
	task_type TEXT NOT NULL DEFAULT 'task',
	assignee TEXT,
	labels TEXT,
	validation_status TEXT,
	validation_feedback TEXT,
	validation_criteria TEXT,
	validation_fail_count INTEGER NOT NULL DEFAULT 0,
	use_external_validator INTEGER NOT NULL DEFAULT 0,
	complexity_score REAL,
	estimated_subtasks INTEGER,
	expansion_context TEXT,
	workflow_name TEXT,
	verification TEXT,
	sequence_order INTEGER,
	commits TEXT,
	seq_num INTEGER,
	path_cache TEXT,
	escalated_at TEXT,
	escalation_reason TEXT,
	github_issue_number INTEGER,
	github_pr_number INTEGER,
	linear_issue_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	dep_type TEXT NOT NULL DEFAULT 'blocks',
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS task_validation_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	feedback TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_selection_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	session_id TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worktrees (
	id TEXT PRIMARY KEY,
	task_id TEXT REFERENCES tasks(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	branch TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_tasks (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, task_id, action)
);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	project_id TEXT REFERENCES projects(id),
	memory_type TEXT NOT NULL,
	content TEXT NOT NULL,
	source_type TEXT,
	source_session_id TEXT,
	importance REAL NOT NULL DEFAULT 0.5,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TEXT,
	embedding BLOB,
	tags TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);

CREATE TABLE IF NOT EXISTS memory_crossrefs (
	source_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	similarity REAL NOT NULL,
	PRIMARY KEY (source_id, target_id)
);

CREATE TABLE IF NOT EXISTS session_memories (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, memory_id, action)
);

CREATE TABLE IF NOT EXISTS workflow_states (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	workflow_name TEXT NOT NULL,
	step TEXT NOT NULL,
	step_entered_at TEXT NOT NULL,
	step_action_count INTEGER NOT NULL DEFAULT 0,
	total_action_count INTEGER NOT NULL DEFAULT 0,
	artifacts TEXT,
	observations TEXT,
	reflection_pending INTEGER NOT NULL DEFAULT 0,
	context_injected INTEGER NOT NULL DEFAULT 0,
	variables TEXT,
	task_list TEXT,
	current_task_index INTEGER NOT NULL DEFAULT 0,
	files_modified_this_task TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mcp_servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	transport TEXT NOT NULL,
	url TEXT,
	command TEXT,
	args TEXT,
	env TEXT,
	headers TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	description TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (name, project_id)
);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	mcp_server_id TEXT NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT,
	input_schema TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (mcp_server_id, name)
);

CREATE TABLE IF NOT EXISTS tool_embeddings (
	tool_id TEXT PRIMARY KEY REFERENCES tools(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL,
	text_hash TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// seedOrphanedProjectSQL inserts the fixed-UUID sentinel project that
// receives sessions whose original project has been deleted.
const seedOrphanedProjectSQL = `
INSERT OR IGNORE INTO projects (id, name, repo_path, created_at, updated_at)
VALUES ('00000000-0000-0000-0000-000000000000', '_orphaned', '', datetime('now'), datetime('now'));
`

// addMemoryLastDecayAtSQL adds the column DecayImportance prorates
// against; existing rows start as if decayed at creation time, so the
// first sweep after upgrade prorates from created_at rather than
// applying a full month's decay immediately.
const addMemoryLastDecayAtSQL = `
ALTER TABLE memories ADD COLUMN last_decay_at TEXT;
UPDATE memories SET last_decay_at = created_at WHERE last_decay_at IS NULL;
`
