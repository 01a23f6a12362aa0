package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// The proposal engine's user-facing failure modes. Every recoverable
// error crossing the service boundary is one of these.

func malformedPayloadError(details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "MALFORMED_PAYLOAD", "Payload is not valid for its scope", details)
}

func entityNotFoundError(kind, id string) *DomainError {
	return domainError(http.StatusNotFound, "ENTITY_NOT_FOUND", fmt.Sprintf("No %s with id %s", kind, id), nil)
}

func invariantViolationError(details any) *DomainError {
	return domainError(http.StatusInternalServerError, "INVARIANT_VIOLATION", "Snapshot invariant violated", details)
}

func unresolvedConflictError(paths []string) *DomainError {
	return domainError(http.StatusConflict, "UNRESOLVED_CONFLICT", "Conflicted fields still need a resolution", map[string]any{"paths": paths})
}

func alreadyResolvedError(proposalID string) *DomainError {
	return domainError(http.StatusConflict, "ALREADY_RESOLVED", fmt.Sprintf("Proposal %s is no longer pending", proposalID), nil)
}

func forbiddenError() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}
