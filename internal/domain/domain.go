package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is fixed-width so stored timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "Pending"
	StatusApproved RequestStatus = "Approved"
	StatusDeclined RequestStatus = "Declined"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDeclined
}

type HistoryAction string

const (
	ActionSubmitted HistoryAction = "Submitted"
	ActionApproved  HistoryAction = "Approved"
	ActionDeclined  HistoryAction = "Declined"
)

// WorkflowDefinition is the approval chain for one request type.
// Levels[i] is the approver role for level i+1.
type WorkflowDefinition struct {
	RequestType string   `json:"request_type"`
	Levels      []string `json:"levels"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

func (d WorkflowDefinition) LevelCount() int { return len(d.Levels) }

// ApproverAt returns the role gating the 1-based level.
func (d WorkflowDefinition) ApproverAt(level int) (string, bool) {
	if level < 1 || level > len(d.Levels) {
		return "", false
	}
	return d.Levels[level-1], true
}

// GateFor returns the role that acts on a request sitting at level. A level past
// the end of a shortened chain is gated by the last role, whose approval
// finalizes the request.
func (d WorkflowDefinition) GateFor(level int) (string, bool) {
	if n := len(d.Levels); n > 0 && level > n {
		level = n
	}
	return d.ApproverAt(level)
}

// Validate checks the chain shape. maxLevels <= 0 means unbounded.
func (d WorkflowDefinition) Validate(maxLevels int) error {
	if strings.TrimSpace(d.RequestType) == "" {
		return fmt.Errorf("request type is required")
	}
	if len(d.Levels) == 0 {
		return fmt.Errorf("definition %s requires at least one approval level", d.RequestType)
	}
	if maxLevels > 0 && len(d.Levels) > maxLevels {
		return fmt.Errorf("definition %s has %d levels; at most %d allowed", d.RequestType, len(d.Levels), maxLevels)
	}
	for i, role := range d.Levels {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("definition %s level %d requires an approver role", d.RequestType, i+1)
		}
	}
	return nil
}

type HistoryEntry struct {
	Level   int           `json:"level"`
	Action  HistoryAction `json:"action" enum:"Submitted,Approved,Declined"`
	ActorID string        `json:"actor_id"`
	TS      string        `json:"ts" format:"date-time"`
}

type Request struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       RequestStatus   `json:"status" enum:"Pending,Approved,Declined"`
	CurrentLevel int             `json:"current_level"`
	CustomerName string          `json:"customer_name"`
	Branch       string          `json:"branch"`
	SubmittedBy  string          `json:"submitted_by"`
	History      []HistoryEntry  `json:"history"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type ActivityEntry struct {
	ID      int64  `json:"id"`
	Action  string `json:"action"`
	ActorID string `json:"actor_id"`
	Target  string `json:"target,omitempty"`
	Details string `json:"details,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	RoleID       string `json:"role_id,omitempty"`
	AccessLevel  string `json:"access_level,omitempty"`
	Branch       string `json:"branch,omitempty"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Role permissions map a module to the actions granted in it; "*" is a wildcard.
type Role struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Module      string              `json:"module,omitempty"`
	Permissions map[string][]string `json:"permissions,omitempty"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
	UpdatedAt   string              `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
