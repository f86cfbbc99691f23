package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/chronos-ops/chronos/internal/incident"
	"github.com/chronos-ops/chronos/internal/patterns"
)

type listIncidentsInput struct {
	Status    string `json:"status,omitempty" jsonschema:"incident status filter: active, investigating, resolved, or all"`
	Severity  string `json:"severity,omitempty" jsonschema:"optional severity filter: low, medium, high, critical"`
	Namespace string `json:"namespace,omitempty" jsonschema:"optional namespace filter"`
	Limit     int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

type incidentTimelineInput struct {
	IncidentID string `json:"incident_id" jsonschema:"incident identifier"`
}

type findPatternsInput struct {
	Symptoms []string `json:"symptoms,omitempty" jsonschema:"observed symptoms to match"`
	Errors   []string `json:"errors,omitempty" jsonschema:"observed error messages to match"`
	Context  string   `json:"context,omitempty" jsonschema:"optional free-text incident context"`
}

type listRollbacksInput struct {
	IncidentID string `json:"incident_id,omitempty" jsonschema:"optional incident id filter; empty lists pending requests"`
}

type decideRollbackInput struct {
	RequestID string `json:"request_id" jsonschema:"rollback request identifier"`
	Decision  string `json:"decision" jsonschema:"approve or deny"`
}

type exportPostmortemInput struct {
	IncidentID string `json:"incident_id" jsonschema:"incident identifier"`
}

type exportPostmortemOutput struct {
	IncidentID string `json:"incident_id"`
	Path       string `json:"path"`
	Actions    int    `json:"actions"`
	Timeline   int    `json:"timeline_entries"`
}

type incidentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	Namespace string    `json:"namespace,omitempty"`
	Service   string    `json:"service,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chronos_list_incidents",
		Description: "List incidents with status/severity/namespace filtering",
	}, s.handleListIncidents)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chronos_incident_timeline",
		Description: "Get the full investigation timeline for an incident",
	}, s.handleIncidentTimeline)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chronos_find_patterns",
		Description: "Match observed symptoms and errors against learned patterns",
	}, s.handleFindPatterns)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chronos_list_rollbacks",
		Description: "List rollback requests, pending ones by default",
	}, s.handleListRollbacks)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chronos_decide_rollback",
		Description: "Approve or deny a pending rollback request",
	}, s.handleDecideRollback)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chronos_export_postmortem",
		Description: "Write a postmortem bundle (incident record, timeline, report template) for an incident",
	}, s.handleExportPostmortem)
}

func (s *MCPServer) handleListIncidents(_ context.Context, _ *mcp.CallToolRequest, input listIncidentsInput) (*mcp.CallToolResult, any, error) {
	if s.incidents == nil {
		return nil, nil, fmt.Errorf("incident store unavailable")
	}

	status := strings.ToLower(strings.TrimSpace(input.Status))
	if status == "all" {
		status = ""
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	list, err := s.incidents.List(incident.Filter{
		Status:    incident.Status(status),
		Severity:  incident.Severity(strings.ToLower(strings.TrimSpace(input.Severity))),
		Namespace: strings.TrimSpace(input.Namespace),
		Limit:     limit,
	})
	if err != nil {
		return nil, nil, err
	}

	out := make([]incidentSummary, 0, len(list))
	for _, inc := range list {
		out = append(out, incidentSummary{
			ID:        inc.ID,
			Title:     inc.Title,
			Severity:  string(inc.Severity),
			Status:    string(inc.Status),
			State:     string(inc.State),
			Namespace: inc.Namespace,
			Service:   inc.Service,
			CreatedAt: inc.CreatedAt,
		})
	}
	return jsonToolResult(out)
}

func (s *MCPServer) handleIncidentTimeline(_ context.Context, _ *mcp.CallToolRequest, input incidentTimelineInput) (*mcp.CallToolResult, any, error) {
	if s.incidents == nil {
		return nil, nil, fmt.Errorf("incident store unavailable")
	}
	incidentID := strings.TrimSpace(input.IncidentID)
	if incidentID == "" {
		return nil, nil, fmt.Errorf("incident_id is required")
	}

	if _, found, err := s.incidents.Get(incidentID); err != nil {
		return nil, nil, err
	} else if !found {
		return nil, nil, fmt.Errorf("incident not found: %s", incidentID)
	}

	timeline, err := s.incidents.Timeline(incidentID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(timeline)
}

func (s *MCPServer) handleFindPatterns(_ context.Context, _ *mcp.CallToolRequest, input findPatternsInput) (*mcp.CallToolResult, any, error) {
	if s.kb == nil {
		return nil, nil, fmt.Errorf("knowledge base unavailable")
	}
	if len(input.Symptoms) == 0 && len(input.Errors) == 0 && strings.TrimSpace(input.Context) == "" {
		return nil, nil, fmt.Errorf("at least one of symptoms, errors or context is required")
	}

	matches, err := s.kb.GetRecommendations(patterns.MatchInput{
		Symptoms: input.Symptoms,
		Errors:   input.Errors,
		Context:  input.Context,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(matches)
}

func (s *MCPServer) handleListRollbacks(_ context.Context, _ *mcp.CallToolRequest, input listRollbacksInput) (*mcp.CallToolResult, any, error) {
	if s.rollbacks == nil {
		return nil, nil, fmt.Errorf("rollback manager unavailable")
	}

	if incidentID := strings.TrimSpace(input.IncidentID); incidentID != "" {
		list, err := s.rollbacks.ListByIncident(incidentID)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(list)
	}

	list, err := s.rollbacks.Pending()
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(list)
}

func (s *MCPServer) handleDecideRollback(_ context.Context, _ *mcp.CallToolRequest, input decideRollbackInput) (*mcp.CallToolResult, any, error) {
	if s.rollbacks == nil {
		return nil, nil, fmt.Errorf("rollback manager unavailable")
	}
	requestID := strings.TrimSpace(input.RequestID)
	if requestID == "" {
		return nil, nil, fmt.Errorf("request_id is required")
	}

	switch strings.ToLower(strings.TrimSpace(input.Decision)) {
	case "approve":
		if err := s.rollbacks.Approve(requestID); err != nil {
			return nil, nil, err
		}
		return textToolResult(fmt.Sprintf("rollback request %s approved", requestID)), nil, nil
	case "deny":
		if err := s.rollbacks.Cancel(requestID); err != nil {
			return nil, nil, err
		}
		return textToolResult(fmt.Sprintf("rollback request %s denied", requestID)), nil, nil
	default:
		return nil, nil, fmt.Errorf("invalid decision %q: expected approve or deny", input.Decision)
	}
}

func (s *MCPServer) handleExportPostmortem(_ context.Context, _ *mcp.CallToolRequest, input exportPostmortemInput) (*mcp.CallToolResult, any, error) {
	if s.incidents == nil {
		return nil, nil, fmt.Errorf("incident store unavailable")
	}
	if s.exportDir == "" {
		return nil, nil, fmt.Errorf("postmortem export directory not configured")
	}
	incidentID := strings.TrimSpace(input.IncidentID)
	if incidentID == "" {
		return nil, nil, fmt.Errorf("incident_id is required")
	}

	inc, found, err := s.incidents.Get(incidentID)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("incident not found: %s", incidentID)
	}

	rec := incident.PostmortemRecord{Incident: inc}
	if rec.Hypotheses, err = s.incidents.ListHypotheses(incidentID); err != nil {
		return nil, nil, err
	}
	if rec.Actions, err = s.incidents.ListActions(incidentID); err != nil {
		return nil, nil, err
	}
	if rec.Verifications, err = s.incidents.ListVerifications(incidentID); err != nil {
		return nil, nil, err
	}
	if rec.Timeline, err = s.incidents.Timeline(incidentID); err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(s.exportDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(s.exportDir, fmt.Sprintf("postmortem-%s.zip", incidentID))
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create bundle: %w", err)
	}
	if err := incident.GeneratePostmortemBundle(f, rec); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("write bundle: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, nil, fmt.Errorf("close bundle: %w", err)
	}

	s.logger.Info("postmortem exported",
		zap.String("incident_id", incidentID),
		zap.String("path", path),
	)
	return jsonToolResult(exportPostmortemOutput{
		IncidentID: incidentID,
		Path:       path,
		Actions:    len(rec.Actions),
		Timeline:   len(rec.Timeline),
	})
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
