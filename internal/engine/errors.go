package engine

import "fmt"

// UnknownWorkflowTypeError means no definition exists for a submitted request type.
type UnknownWorkflowTypeError struct {
	RequestType string
}

func (e UnknownWorkflowTypeError) Error() string {
	return fmt.Sprintf("no workflow defined for request type %q", e.RequestType)
}

type RequestNotFoundError struct {
	ID string
}

func (e RequestNotFoundError) Error() string {
	return fmt.Sprintf("request %s not found", e.ID)
}

// RequestNotPendingError is returned for any action on an Approved or Declined request.
type RequestNotPendingError struct {
	ID     string
	Status string
}

func (e RequestNotPendingError) Error() string {
	return fmt.Sprintf("request %s is %s, not Pending", e.ID, e.Status)
}

// WorkflowDefinitionMissingError means a pending request's definition was removed.
type WorkflowDefinitionMissingError struct {
	RequestType string
}

func (e WorkflowDefinitionMissingError) Error() string {
	return fmt.Sprintf("workflow definition for %q is missing", e.RequestType)
}

// StaleLevelError means the request moved past the level the caller acted on.
type StaleLevelError struct {
	ID       string
	Expected int
	Current  int
}

func (e StaleLevelError) Error() string {
	return fmt.Sprintf("request %s is at level %d, not %d", e.ID, e.Current, e.Expected)
}

// MutationExecutionError reports a failed payload mutation. The request stays Pending.
type MutationExecutionError struct {
	ID   string
	Type string
	Err  error
}

func (e MutationExecutionError) Error() string {
	return fmt.Sprintf("execute %s for request %s: %v", e.Type, e.ID, e.Err)
}

func (e MutationExecutionError) Unwrap() error { return e.Err }

// DefinitionInUseError is returned when deleting a definition that pending requests still use.
type DefinitionInUseError struct {
	RequestType string
}

func (e DefinitionInUseError) Error() string {
	return fmt.Sprintf("workflow definition %q has pending requests", e.RequestType)
}
