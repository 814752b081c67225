package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Request types with a dedicated payload shape. Any other type carries a Generic payload.
const (
	TypeCardRequest        = "Card Request"
	TypeBranchStockRequest = "Branch Stock Request"
	TypeUserCreation       = "User Creation"
	TypeUserModification   = "User Modification"
	TypeRoleCreation       = "Role Creation"
	TypeRoleModification   = "Role Modification"
)

type PayloadKind string

const (
	KindUserCreation     PayloadKind = "user_creation"
	KindUserModification PayloadKind = "user_modification"
	KindRoleCreation     PayloadKind = "role_creation"
	KindRoleModification PayloadKind = "role_modification"
	KindGeneric          PayloadKind = "generic"
)

// KindFor maps a request type to its payload variant.
func KindFor(requestType string) PayloadKind {
	switch requestType {
	case TypeUserCreation:
		return KindUserCreation
	case TypeUserModification:
		return KindUserModification
	case TypeRoleCreation:
		return KindRoleCreation
	case TypeRoleModification:
		return KindRoleModification
	default:
		return KindGeneric
	}
}

// Payload is the mutation a request applies once fully approved.
type Payload interface {
	Kind() PayloadKind
	// DisplayName is the label shown next to the request (customer, user or role name).
	DisplayName() string
	// BranchName is the originating branch, if the payload names one.
	BranchName() string
}

type UserCreation struct {
	Email       string `json:"email" validate:"required,email"`
	Name        string `json:"name,omitempty"`
	RoleID      string `json:"role_id,omitempty"`
	AccessLevel string `json:"access_level,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Password    string `json:"password,omitempty" validate:"omitempty,min=8"`
}

func (UserCreation) Kind() PayloadKind     { return KindUserCreation }
func (p UserCreation) DisplayName() string { return firstNonEmpty(p.Name, p.Email) }
func (p UserCreation) BranchName() string  { return p.Branch }

type UserChanges struct {
	Email       *string `json:"email,omitempty" validate:"omitempty,email"`
	Name        *string `json:"name,omitempty"`
	RoleID      *string `json:"role_id,omitempty"`
	AccessLevel *string `json:"access_level,omitempty"`
	Branch      *string `json:"branch,omitempty"`
}

func (c UserChanges) empty() bool {
	return c.Email == nil && c.Name == nil && c.RoleID == nil && c.AccessLevel == nil && c.Branch == nil
}

type UserModification struct {
	TargetID string      `json:"target_id" validate:"required"`
	Data     UserChanges `json:"data"`
}

func (UserModification) Kind() PayloadKind { return KindUserModification }
func (p UserModification) DisplayName() string {
	if p.Data.Name != nil {
		return firstNonEmpty(*p.Data.Name, p.TargetID)
	}
	return p.TargetID
}
func (p UserModification) BranchName() string {
	if p.Data.Branch != nil {
		return *p.Data.Branch
	}
	return ""
}

type RoleCreation struct {
	Name        string              `json:"name" validate:"required"`
	Module      string              `json:"module,omitempty"`
	Permissions map[string][]string `json:"permissions,omitempty"`
}

func (RoleCreation) Kind() PayloadKind     { return KindRoleCreation }
func (p RoleCreation) DisplayName() string { return p.Name }
func (RoleCreation) BranchName() string    { return "" }

type RoleChanges struct {
	Name        *string             `json:"name,omitempty"`
	Module      *string             `json:"module,omitempty"`
	Permissions map[string][]string `json:"permissions,omitempty"`
}

func (c RoleChanges) empty() bool {
	return c.Name == nil && c.Module == nil && c.Permissions == nil
}

type RoleModification struct {
	TargetID string      `json:"target_id" validate:"required"`
	Data     RoleChanges `json:"data"`
}

func (RoleModification) Kind() PayloadKind { return KindRoleModification }
func (p RoleModification) DisplayName() string {
	if p.Data.Name != nil {
		return firstNonEmpty(*p.Data.Name, p.TargetID)
	}
	return p.TargetID
}
func (RoleModification) BranchName() string { return "" }

// Generic carries free-form fields for request types that only need acknowledging.
type Generic struct {
	Fields map[string]any
}

func (Generic) Kind() PayloadKind { return KindGeneric }

func (p Generic) DisplayName() string {
	for _, key := range []string{"customer_name", "customerName", "name", "email"} {
		if s, ok := p.Fields[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func (p Generic) BranchName() string {
	if s, ok := p.Fields["branch"].(string); ok {
		return s
	}
	return ""
}

func (p Generic) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}

func (p *Generic) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Fields)
}

// PayloadError reports a payload that does not fit its request type.
type PayloadError struct {
	RequestType string
	Field       string
	Reason      string
}

func (e PayloadError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid payload for %s: %s", e.RequestType, e.Reason)
	}
	return fmt.Sprintf("invalid payload for %s: %s %s", e.RequestType, e.Field, e.Reason)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// DecodePayload parses raw JSON into the variant required by requestType and validates it.
func DecodePayload(requestType string, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch KindFor(requestType) {
	case KindUserCreation:
		var v UserCreation
		err = json.Unmarshal(raw, &v)
		p = v
	case KindUserModification:
		var v UserModification
		err = json.Unmarshal(raw, &v)
		p = v
	case KindRoleCreation:
		var v RoleCreation
		err = json.Unmarshal(raw, &v)
		p = v
	case KindRoleModification:
		var v RoleModification
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		var v Generic
		err = json.Unmarshal(raw, &v)
		p = v
	}
	if err != nil {
		return nil, PayloadError{RequestType: requestType, Reason: err.Error()}
	}
	if err := ValidatePayload(requestType, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidatePayload checks p against its struct tags and that it matches requestType.
func ValidatePayload(requestType string, p Payload) error {
	if p == nil {
		return PayloadError{RequestType: requestType, Reason: "payload is required"}
	}
	if want := KindFor(requestType); p.Kind() != want {
		return PayloadError{RequestType: requestType, Reason: fmt.Sprintf("expected %s payload, got %s", want, p.Kind())}
	}
	if err := payloadValidator().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return PayloadError{RequestType: requestType, Field: fieldPath(fe.Namespace()), Reason: reasonFor(fe.Tag(), fe.Param())}
		}
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return PayloadError{RequestType: requestType, Reason: err.Error()}
		}
	}
	switch v := p.(type) {
	case UserModification:
		if v.Data.empty() {
			return PayloadError{RequestType: requestType, Field: "data", Reason: "must change at least one field"}
		}
	case RoleModification:
		if v.Data.empty() {
			return PayloadError{RequestType: requestType, Field: "data", Reason: "must change at least one field"}
		}
	}
	return nil
}

// EncodePayload returns the canonical JSON stored with a request.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// RedactPayload hides secrets from a stored payload before it leaves the process.
func RedactPayload(requestType string, raw json.RawMessage) json.RawMessage {
	if KindFor(requestType) != KindUserCreation || len(raw) == 0 {
		return raw
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	if _, ok := fields["password"]; !ok {
		return raw
	}
	fields["password"] = "********"
	b, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return b
}

func reasonFor(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "min":
		return "must be at least " + param + " characters"
	default:
		return "failed " + tag
	}
}

// fieldPath drops the struct name prefix from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
