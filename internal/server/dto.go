package server

import (
	"trackpilot/internal/agent"
	"trackpilot/internal/analytics"
	"trackpilot/internal/dispatch"
	"trackpilot/internal/domain"
)

// Request payloads

type InstructionRequest struct {
	Text string `json:"text"`
}

type CreateTicketRequest struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty" enum:"Task,Bug,Story,Improvement"`
	Priority    string `json:"priority,omitempty" enum:"Critical,High,Medium,Low,Lowest"`
	Assignee    string `json:"assignee,omitempty"`
	Epic        string `json:"epic,omitempty"`
}

type EditTicketRequest struct {
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"Critical,High,Medium,Low,Lowest"`
}

type AssignTicketRequest struct {
	Assignee string `json:"assignee"`
}

type TransitionRequest struct {
	Status string `json:"status"`
}

type CreateEpicRequest struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

type LinkEpicRequest struct {
	Epic string `json:"epic"`
}

type CreateAPIKeyRequest struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type InstructionResponse struct {
	SessionID string                    `json:"session_id"`
	Kind      agent.ReplyKind           `json:"kind"`
	Text      string                    `json:"text"`
	Result    *dispatch.ExecutionResult `json:"result,omitempty"`
}

type TicketRefResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type TicketListResponse struct {
	Items []domain.TicketRecord `json:"items"`
}

type ProjectListResponse struct {
	Items []domain.Project `json:"items"`
}

type UserListResponse struct {
	Items []domain.User `json:"items"`
}

type EpicListResponse struct {
	Items []domain.Epic `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type ReportResponse struct {
	Summary analytics.Summary `json:"summary"`
}

type OverviewResponse struct {
	Overview analytics.Overview `json:"overview"`
}

type TrendResponse struct {
	Trend analytics.Trend `json:"trend"`
}

type APIKeyCreatedResponse struct {
	Key APIKey `json:"key"`
	Raw string `json:"raw"`
}

type APIKeyListResponse struct {
	Items []APIKey `json:"items"`
}
