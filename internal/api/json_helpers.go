package api

import (
	"encoding/json"
	"net/http"
)

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiErrorBody `json:"error"`
}

type codedError interface {
	Code() string
}

// RequestError captures a structured API error with a status code and
// machine-readable code.
type RequestError struct {
	Status  int
	CodeVal string
	Message string
	Err     error
}

func (e RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.StatusCode())
}

// Unwrap surfaces the wrapped error for errors.Is/errors.As handling.
func (e RequestError) Unwrap() error {
	return e.Err
}

// Code returns the machine-readable code for the error.
func (e RequestError) Code() string {
	if e.CodeVal != "" {
		return e.CodeVal
	}
	return errorCodeForStatus(e.StatusCode())
}

// StatusCode returns the HTTP status associated with the error.
func (e RequestError) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON payload with the provided status code.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes a structured error payload using the provided status code.
func WriteError(w http.ResponseWriter, status int, err error) {
	code := errorCodeForStatus(status)
	if coder, ok := err.(codedError); ok {
		if c := coder.Code(); c != "" {
			code = c
		}
	}
	WriteJSON(w, status, apiErrorResponse{Error: apiErrorBody{Code: code, Message: clientMessage(status, err)}})
}

func clientMessage(status int, err error) string {
	if err != nil {
		if _, ok := err.(codedError); ok || status < http.StatusInternalServerError {
			return err.Error()
		}
		if reqErr, ok := err.(RequestError); ok && reqErr.Message != "" {
			return reqErr.Message
		}
	}
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	if err != nil {
		return err.Error()
	}
	return http.StatusText(status)
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
		return "request_failed"
	}
}
