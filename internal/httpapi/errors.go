package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"pkt.systems/gtxd/api"
	"pkt.systems/gtxd/internal/core"
	"pkt.systems/gtxd/internal/jsonutil"
	"pkt.systems/pslog"
)

const codeInvalidBody = "invalid_body"

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return h.Code + ": " + h.Detail
	}
	return h.Code
}

// convertError maps err onto the status and code written to the client.
func convertError(err error) httpError {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var f core.Failure
	if errors.As(err, &f) {
		return httpError{Status: core.HTTPStatusOf(err), Code: f.Code, Detail: f.Detail}
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: codeInvalidBody, Detail: err.Error()}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return httpError{Status: http.StatusRequestTimeout, Code: "canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusGatewayTimeout, Code: "deadline_exceeded"}
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal", Detail: err.Error()}
}

func errorCode(err error) string {
	return convertError(err).Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	httpErr := convertError(err)
	if httpErr.Status >= http.StatusInternalServerError {
		logger.Warn("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "error", err)
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeBody reads a size-bounded JSON body into dst.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer body.Close()
	if err := jsonutil.Decode(body, h.maxBodyBytes, dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return httpError{Status: http.StatusBadRequest, Code: codeInvalidBody, Detail: err.Error()}
	}
	return nil
}
