package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/audit"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/metrics"
)

// JobParams is the unified params struct for the job tool
type JobParams struct {
	Action string `json:"action"` // Required: get, list, cancel, stats

	// For get and cancel
	JobID string `json:"job_id,omitempty"`

	// For list
	Status string `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

var jobActions = []string{"get", "list", "cancel", "stats"}

// handleJob is the unified handler for the job tool
func (s *Server) handleJob(ctx context.Context, request *mcp.CallToolRequest, params *JobParams) (res *mcp.CallToolResult, data any, err error) {
	defer func() { metrics.RecordToolCall("job", callStatus(err)) }()

	if params == nil || params.Action == "" {
		return nil, nil, missingActionError("job", jobActions)
	}

	switch params.Action {
	case "get":
		return s.jobGet(ctx, params)
	case "list":
		return s.jobList(ctx, params)
	case "cancel":
		return s.jobCancel(ctx, params)
	case "stats":
		return s.jobStats(ctx)
	default:
		return nil, nil, actionError("job", params.Action, jobActions)
	}
}

func (s *Server) jobGet(ctx context.Context, params *JobParams) (*mcp.CallToolResult, any, error) {
	if params.JobID == "" {
		return nil, nil, fmt.Errorf("job_id is required")
	}

	j, err := s.jobs.Get(params.JobID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get job")
	}

	text := fmt.Sprintf("Job %s\n\n", j.ID)
	text += fmt.Sprintf("Type:     %s\n", j.Type)
	text += fmt.Sprintf("Status:   %s\n", j.Status)
	text += fmt.Sprintf("Attempts: %d/%d\n", j.Attempts, j.MaxAttempts)
	if j.Error != "" {
		text += fmt.Sprintf("Error:    %s\n", j.Error)
	}
	text += fmt.Sprintf("Created:  %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	if j.CompletedAt != nil {
		text += fmt.Sprintf("Finished: %s\n", j.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	return NewTextResult(text), j, nil
}

func (s *Server) jobList(ctx context.Context, params *JobParams) (*mcp.CallToolResult, any, error) {
	filter := job.ListFilter{
		Status: job.Status(params.Status),
		Type:   params.Type,
		Limit:  params.Limit,
	}

	jobs, err := s.jobs.List(filter)
	if err != nil {
		return nil, nil, SanitizeError(err, "list jobs")
	}

	if len(jobs) == 0 {
		return NewTextResult("No jobs found."), jobs, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d job(s)\n\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s  %-16s %-10s attempt %d/%d\n", j.ID, j.Type, j.Status, j.Attempts, j.MaxAttempts)
	}

	return NewTextResult(b.String()), jobs, nil
}

func (s *Server) jobCancel(ctx context.Context, params *JobParams) (*mcp.CallToolResult, any, error) {
	if params.JobID == "" {
		return nil, nil, fmt.Errorf("job_id is required")
	}

	if err := s.jobs.Cancel(params.JobID); err != nil {
		audit.Log(&audit.Event{
			Operation: audit.OpJobCancel,
			JobID:     params.JobID,
			RequestID: RequestIDFromContext(ctx),
			Error:     err.Error(),
		})
		return nil, nil, SanitizeError(err, "cancel job")
	}

	audit.Log(&audit.Event{
		Operation: audit.OpJobCancel,
		JobID:     params.JobID,
		RequestID: RequestIDFromContext(ctx),
		Success:   true,
	})

	return NewTextResult(fmt.Sprintf("🛑 Job %s cancelled\n", params.JobID)), map[string]string{"job_id": params.JobID}, nil
}

func (s *Server) jobStats(ctx context.Context) (*mcp.CallToolResult, any, error) {
	counts, err := s.jobs.CountByStatus()
	if err != nil {
		return nil, nil, SanitizeError(err, "count jobs")
	}

	text := "Job queue\n\n"
	for _, status := range []job.Status{job.StatusPending, job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
		text += fmt.Sprintf("%-10s %d\n", status, counts[status])
	}

	return NewTextResult(text), counts, nil
}
