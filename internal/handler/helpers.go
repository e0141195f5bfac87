// Package handler is the HTTP edge of the evaluation core: request DTOs,
// their validation, and the mapping from typed core failures to RFC 7807
// responses carrying the error_code / error_message members the exam
// front-end reads.
package handler

import (
	"errors"
	"net/http"

	"proctor/internal/domain"
	"proctor/internal/httputil"
)

// error_code values for failure classes that carry no CoreError code.
const (
	codeNotFound   = "NOT_FOUND"
	codeValidation = "VALIDATION"
)

// respondError converts a core failure into a problem response. Extras are
// merged into the body on top of error_code / error_message.
func respondError(w http.ResponseWriter, err error, extras map[string]any) {
	status, code, message := classifyError(err)
	body := map[string]any{
		"error_code":    code,
		"error_message": message,
	}
	for k, v := range extras {
		body[k] = v
	}
	httputil.RespondErrorWithExtras(w, status, message, body)
}

// classifyError maps a failure to its transport form. Typed CoreErrors keep
// their own status mapping except PRECONDITION, which reads as a conflict at
// this edge: the session was already submitted.
func classifyError(err error) (int, string, string) {
	var ce *domain.CoreError
	if errors.As(err, &ce) {
		status := ce.StatusCode()
		if ce.Code == domain.CodePrecondition {
			status = http.StatusConflict
		}
		return status, string(ce.Code), ce.Message
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, codeValidation, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, codeNotFound, err.Error()
	}

	var httpErr domain.HTTPError
	if errors.As(err, &httpErr) {
		switch status := httpErr.StatusCode(); status {
		case http.StatusNotFound:
			return status, codeNotFound, err.Error()
		case http.StatusBadRequest:
			return status, codeValidation, err.Error()
		default:
			return status, string(domain.CodeFatal), err.Error()
		}
	}

	return http.StatusInternalServerError, string(domain.CodeFatal), "internal server error"
}
