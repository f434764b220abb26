package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/athenaq/athenaq/internal/auth"
	"github.com/athenaq/athenaq/internal/observability"
	"github.com/athenaq/athenaq/internal/query"
	"github.com/athenaq/athenaq/internal/storage"
)

type queryRequest struct {
	SQL         string `json:"sql"`
	MaxAttempts int    `json:"max_attempts"`
	Page        int    `json:"page"`
	PageSize    int    `json:"page_size"`
}

type queryResponse struct {
	ExecutionID    string         `json:"execution_id"`
	OutputLocation string         `json:"output_location"`
	Records        []query.Record `json:"records"`
	Attempts       int            `json:"attempts"`
	Page           int            `json:"page,omitempty"`
	PageSize       int            `json:"page_size,omitempty"`
	Stats          map[string]any `json:"stats"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Runner == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query runner is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}

	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if !isAllowedSQL(request.SQL) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", "only read-only SELECT/WITH queries are allowed", false, nil)
		return
	}
	if request.MaxAttempts < 0 || request.Page < 0 || request.PageSize < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PAGINATION", "max_attempts, page and page_size must be >= 0", false, nil)
		return
	}
	if deps.MaxAttempts > 0 && request.MaxAttempts > deps.MaxAttempts {
		writeError(r.Context(), w, http.StatusBadRequest, "MAX_ATTEMPTS_TOO_LARGE", fmt.Sprintf("max_attempts must be <= %d", deps.MaxAttempts), false, map[string]any{"limit": deps.MaxAttempts})
		return
	}

	result, err := deps.Runner.Execute(r.Context(), query.Request{
		SQL:         request.SQL,
		MaxAttempts: request.MaxAttempts,
		Page:        request.Page,
		PageSize:    request.PageSize,
	})
	if err != nil {
		handleRunnerError(deps, w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		ExecutionID:    string(result.ExecutionID),
		OutputLocation: result.OutputLocation,
		Records:        result.Records,
		Attempts:       result.Attempts,
		Page:           result.Page,
		PageSize:       result.PageSize,
		Stats: map[string]any{
			"duration_ms": result.Duration.Milliseconds(),
			"records":     len(result.Records),
		},
	})
}

func handleRunnerError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	if deps.Logger != nil && query.IsFatal(err) {
		deps.Logger.WarnContext(r.Context(), "query_request_failed",
			slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
			slog.Any("error", err),
		)
	}

	var failed *query.ExecutionFailedError
	if errors.As(err, &failed) {
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "QUERY_FAILED", failed.Error(), false, map[string]any{
			"execution_id": string(failed.ExecutionID),
			"state":        string(failed.State),
			"reason":       failed.Reason,
		})
		return
	}
	var timeout *query.ExecutionTimeoutError
	if errors.As(err, &timeout) {
		writeError(r.Context(), w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", timeout.Error(), true, map[string]any{
			"execution_id": string(timeout.ExecutionID),
			"attempts":     timeout.Attempts,
		})
		return
	}
	if errors.Is(err, query.ErrRemoteCallFailed) {
		writeError(r.Context(), w, http.StatusBadGateway, "REMOTE_CALL_FAILED", "query service call failed", true, map[string]any{"details": err.Error()})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "QUERY_CANCELED", "query request was canceled", true, nil)
		return
	}
	writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REJECTED", err.Error(), false, nil)
}

func handleExecutionOutput(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	key, executionID, ok := resolveOutputKey(deps, w, r)
	if !ok {
		return
	}

	info, err := deps.Artifacts.Stat(r.Context(), key)
	if err != nil {
		writeArtifactError(w, r, executionID, err)
		return
	}
	reader, err := deps.Artifacts.Get(r.Context(), key)
	if err != nil {
		writeArtifactError(w, r, executionID, err)
		return
	}
	defer func() { _ = reader.Close() }()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", executionID+".csv"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "output_stream_failed",
			slog.String("execution_id", executionID),
			slog.Any("error", err),
		)
	}
}

func handleDeleteExecutionOutput(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	key, executionID, ok := resolveOutputKey(deps, w, r)
	if !ok {
		return
	}

	if _, err := deps.Artifacts.Stat(r.Context(), key); err != nil {
		writeArtifactError(w, r, executionID, err)
		return
	}
	if err := deps.Artifacts.Delete(r.Context(), key); err != nil {
		writeArtifactError(w, r, executionID, err)
		return
	}
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "output_deleted",
			slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
			slog.String("execution_id", executionID),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

func resolveOutputKey(deps Dependencies, w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if deps.Artifacts == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARTIFACTS_NOT_CONFIGURED", "output artifacts are not configured", false, nil)
		return "", "", false
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", "", false
	}

	executionID := r.PathValue("id")
	key, err := storage.BuildOutputKey(deps.OutputPath, executionID)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_EXECUTION_ID", err.Error(), false, nil)
		return "", "", false
	}
	return key, executionID, true
}

func writeArtifactError(w http.ResponseWriter, r *http.Request, executionID string, err error) {
	if errors.Is(err, storage.ErrObjectNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "OUTPUT_NOT_FOUND", "output artifact was not found", false, map[string]any{"execution_id": executionID})
		return
	}
	writeError(r.Context(), w, http.StatusBadGateway, "OBJECT_STORE_ERROR", "object store request failed", true, map[string]any{"details": err.Error()})
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func isAllowedSQL(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	if normalized == "" {
		return false
	}
	if strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with") {
		return true
	}
	return false
}
