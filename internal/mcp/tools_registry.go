package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerSessionTools(r)
	s.registerRunTools(r)
	s.registerPermissionTools(r)
	s.registerJobTools(r)
	s.registerSettingsTools(r)
}

func (s *Server) registerSessionTools(r *Registry) {
	Register(r, ToolDef{
		Name: "session",
		Description: `Manage coding sessions — each tracks one conversation with the assistant over a project directory.

Actions:
  create           — Create a session. Requires project_path (absolute). Title and metadata optional.
  get              — Get session details by session_id: status, settings, event and prompt counts, active job.
  list             — List sessions, newest activity first. Filter by status (active/archived).
  archive          — Archive a session by session_id. Archived sessions keep their history.
  update_settings  — Change a session's max_turns and/or permission_mode.

Key parameters (create):
  project_path  — Absolute path to the working directory (required)
  title         — Display title (optional; untitled sessions show their project name)
  max_turns     — Per-run turn limit (default: 200)
  permission_mode — "default", "plan", "acceptEdits", or "bypassPermissions"`,
	}, s.handleSession)
}

func (s *Server) registerRunTools(r *Registry) {
	Register(r, ToolDef{
		Name: "run",
		Description: `Drive assistant runs — background jobs that feed a prompt to the assistant and stream its events.

Actions:
  enqueue  — Queue a prompt for a session. Requires session_id and prompt. One run per session at a time.
  stop     — Stop the session's active run. Cancels the job and denies its pending permission requests.
  status   — Report the session's assistant state and active job, if any. Requires session_id.

Runs execute asynchronously. Poll with "status" or watch the session's events.`,
	}, s.handleRun)
}

func (s *Server) registerPermissionTools(r *Registry) {
	Register(r, ToolDef{
		Name: "permission",
		Description: `Review and answer tool approval requests raised by running sessions.

Actions:
  list    — List permission requests. Filter by session_id and/or status (pending/approved/denied/timeout).
  decide  — Answer a pending request. Requires request_id and decision ("allow" or "deny").

Pending requests block the assistant until decided or expired. The list marks which
pending requests are still answerable; deciding an expired one is an error.`,
	}, s.handlePermission)
}

func (s *Server) registerJobTools(r *Registry) {
	Register(r, ToolDef{
		Name: "job",
		Description: `Inspect and control the background job queue.

Actions:
  get     — Get job details by job_id: status, attempts, error, timing.
  list    — List jobs, newest first. Filter by status, type, and limit.
  cancel  — Cancel a pending or running job by job_id.
  stats   — Count jobs per status across the queue.

Runs and maintenance both execute as jobs. Prefer the run tool's "stop" for
stopping a session; "cancel" works on any job.`,
	}, s.handleJob)
}

func (s *Server) registerSettingsTools(r *Registry) {
	Register(r, ToolDef{
		Name: "settings",
		Description: `Read and change global settings inherited by all sessions.

Actions:
  get     — Show current global settings.
  update  — Change max_turns, permission_mode and/or default_directory.
            Only provided fields change; zero or empty clears an override.

Sessions without their own settings inherit max_turns and permission_mode
from here. The default directory seeds project_path for clients that create
sessions without one.`,
	}, s.handleSettings)
}
