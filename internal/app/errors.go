package app

import (
	"errors"
	"fmt"
	"net/http"

	"taskboard/api/internal/ids"
	"taskboard/api/internal/store"
)

// Wire error codes.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidBoard = "INVALID_BOARD_ID"
	CodeBoardMissing = "BOARD_NOT_FOUND"
	CodeInvalidCard  = "INVALID_CARD_ID"
	CodeCardMissing  = "CARD_NOT_FOUND"
	CodeInternal     = "INTERNAL_ERROR"

	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
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

func validationError(field, message string) *DomainError {
	var details any
	if field != "" {
		details = map[string]any{"field": field}
	}
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

// invalidField reports a malformed identifier inside a request body or query.
func invalidField(field string, err error) *DomainError {
	return validationError(field, err.Error())
}

func invalidBoardID(err error) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidBoard, err.Error(), nil)
}

func invalidCardID(err error) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidCard, err.Error(), nil)
}

func boardNotFound() *DomainError {
	return domainError(http.StatusNotFound, CodeBoardMissing, "Board not found or access denied", nil)
}

func cardNotFound() *DomainError {
	return domainError(http.StatusNotFound, CodeCardMissing, "Card not found or access denied", nil)
}

// hidden folds "does not exist" and "not allowed" into the same outcome so
// callers cannot discover records they cannot see.
func hidden(err error, notFound func() *DomainError) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAccessDenied) {
		return notFound()
	}
	return err
}

func decodeBoardID(raw string) (int64, error) {
	id, err := ids.Decode(ids.KindProject, raw)
	if err != nil {
		return 0, invalidBoardID(err)
	}
	return id, nil
}

func decodeCardID(raw string) (int64, error) {
	id, err := ids.Decode(ids.KindTask, raw)
	if err != nil {
		return 0, invalidCardID(err)
	}
	return id, nil
}
