package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer reports verbatim in the
// {success:false, code, msg} envelope.
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

func invalid(code, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, code, message, nil)
}

func conflict(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}
