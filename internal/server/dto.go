package server

import (
	"encoding/json"

	"approvalq/internal/domain"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type SaveDefinitionRequest struct {
	Levels []string `json:"levels" minItems:"1" doc:"Approver role per level, level 1 first"`
}

type SubmitRequestBody struct {
	Type    string         `json:"type" example:"Card Request"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ActionRequest struct {
	ExpectedLevel int `json:"expected_level,omitempty" minimum:"0" doc:"Level the caller reviewed; defaults to the current level"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at" format:"date-time"`
	User      UserResponse `json:"user"`
}

type WhoAmIResponse struct {
	UserID         string         `json:"user_id"`
	Email          string         `json:"email,omitempty"`
	RoleID         string         `json:"role_id,omitempty"`
	Source         string         `json:"source"`
	PendingForRole int            `json:"pending_for_role" doc:"Requests the caller's role can act on now"`
	RequestCounts  map[string]int `json:"request_counts" doc:"Requests per status"`
}

type RequestResponse struct {
	ID           string                `json:"id"`
	Type         string                `json:"type"`
	Payload      map[string]any        `json:"payload"`
	Status       string                `json:"status" enum:"Pending,Approved,Declined"`
	CurrentLevel int                   `json:"current_level"`
	CustomerName string                `json:"customer_name"`
	Branch       string                `json:"branch"`
	SubmittedBy  string                `json:"submitted_by"`
	History      []domain.HistoryEntry `json:"history"`
	CreatedAt    string                `json:"created_at" format:"date-time"`
	UpdatedAt    string                `json:"updated_at" format:"date-time"`
}

type ActionResponse struct {
	Request   RequestResponse `json:"request"`
	Completed bool            `json:"completed"`
	Executed  string          `json:"executed,omitempty" doc:"Payload kind executed on final approval"`
}

type PendingSnapshot struct {
	Role  string            `json:"role"`
	Items []RequestResponse `json:"items"`
}

type ActivityResponse struct {
	ID      int64  `json:"id"`
	Action  string `json:"action"`
	ActorID string `json:"actor_id"`
	Target  string `json:"target,omitempty"`
	Details string `json:"details,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

type UserResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	RoleID      string `json:"role_id,omitempty"`
	AccessLevel string `json:"access_level,omitempty"`
	Branch      string `json:"branch,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Returned once at creation"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedActivity struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// requestResponse hides payload secrets before a request leaves the process.
func requestResponse(r domain.Request) RequestResponse {
	payload := map[string]any{}
	if raw := domain.RedactPayload(r.Type, r.Payload); len(raw) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	history := r.History
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	return RequestResponse{
		ID:           r.ID,
		Type:         r.Type,
		Payload:      payload,
		Status:       string(r.Status),
		CurrentLevel: r.CurrentLevel,
		CustomerName: r.CustomerName,
		Branch:       r.Branch,
		SubmittedBy:  r.SubmittedBy,
		History:      history,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func requestResponses(reqs []domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, requestResponse(r))
	}
	return out
}

func activityResponse(e domain.ActivityEntry) ActivityResponse {
	return ActivityResponse{ID: e.ID, Action: e.Action, ActorID: e.ActorID, Target: e.Target, Details: e.Details, TS: e.TS}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		RoleID:      u.RoleID,
		AccessLevel: u.AccessLevel,
		Branch:      u.Branch,
		CreatedAt:   u.CreatedAt,
	}
}

func nonNilSlice[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
