package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
	"github.com/helixir/literature-monitor-service/internal/repository"
	"github.com/helixir/literature-monitor-service/internal/scheduler"
)

const maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies

// createRunRequest is the JSON request body for queueing an execution.
type createRunRequest struct {
	StreamID   string `json:"stream_id" validate:"required,uuid"`
	RunType    string `json:"run_type" validate:"omitempty,oneof=manual test"`
	ReportName string `json:"report_name,omitempty" validate:"omitempty,max=255"`
	StartDate  string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate    string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// curationRequest is the JSON request body for a curator override.
type curationRequest struct {
	Action string `json:"action" validate:"required,oneof=include exclude clear"`
}

// createRun handles POST /runs.
// It queues a pending execution with a snapshot of the stream configuration
// and wakes the scheduler loop.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		writeDomainError(w, err)
		return
	}

	streamID, ok := parseUUID(w, req.StreamID, "stream_id")
	if !ok {
		return
	}
	stream, err := s.streams.Get(ctx, streamID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeDomainError(w, domain.NewValidationError("stream_id", "stream does not exist"))
			return
		}
		writeDomainError(w, err)
		return
	}

	window, err := s.requestWindow(req, stream)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	snapshot, err := stream.Config.Clone()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := snapshot.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	runType := domain.RunTypeManual
	if req.RunType != "" {
		runType = domain.RunType(req.RunType)
	}

	exec := &domain.Execution{
		ID:         uuid.New(),
		StreamID:   stream.ID,
		UserID:     stream.UserID,
		Status:     domain.ExecutionStatusPending,
		RunType:    runType,
		ReportName: strings.TrimSpace(req.ReportName),
		Window:     window,
		Snapshot:   snapshot,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		s.logger.Error().Err(err).
			Str("request_id", observability.RequestIDFromContext(ctx)).
			Str("stream_id", stream.ID.String()).
			Msg("failed to create execution")
		writeDomainError(w, err)
		return
	}

	s.logger.Info().
		Str("request_id", observability.RequestIDFromContext(ctx)).
		Str("execution_id", exec.ID.String()).
		Str("stream_id", stream.ID.String()).
		Str("run_type", string(runType)).
		Str("window_start", window.Start.Format(domain.DateLayout)).
		Str("window_end", window.End.Format(domain.DateLayout)).
		Msg("execution queued")

	if s.scheduler != nil {
		s.scheduler.Wake()
	}

	writeJSON(w, http.StatusAccepted, createRunResponse{
		ExecutionID: exec.ID.String(),
		StreamID:    stream.ID.String(),
		Status:      string(exec.Status),
		Message:     "execution queued",
	})
}

// requestWindow returns the explicit window of the request, or the window
// ending yesterday sized by the stream frequency.
func (s *Server) requestWindow(req createRunRequest, stream *domain.Stream) (domain.DateWindow, error) {
	if req.StartDate == "" && req.EndDate == "" {
		loc, err := stream.Schedule.Location()
		if err != nil {
			return domain.DateWindow{}, err
		}
		return domain.WindowEndingYesterday(s.now(), loc, stream.Schedule.Frequency.LookbackDays()), nil
	}
	if req.StartDate == "" || req.EndDate == "" {
		return domain.DateWindow{}, domain.NewValidationError("date_window", "start_date and end_date must be given together")
	}

	start, err := time.Parse(domain.DateLayout, req.StartDate)
	if err != nil {
		return domain.DateWindow{}, domain.NewValidationError("start_date", "must be YYYY-MM-DD")
	}
	end, err := time.Parse(domain.DateLayout, req.EndDate)
	if err != nil {
		return domain.DateWindow{}, domain.NewValidationError("end_date", "must be YYYY-MM-DD")
	}
	window := domain.DateWindow{Start: start, End: end}
	if err := window.Validate(); err != nil {
		return domain.DateWindow{}, err
	}
	return window, nil
}

// getRun handles GET /runs/{executionID}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, chi.URLParam(r, "executionID"), "execution_id")
	if !ok {
		return
	}

	exec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toExecutionResponse(exec, true))
}

// listRuns handles GET /runs with optional status, stream_id, limit and offset filters.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter repository.ExecutionFilter

	if statusParam := q.Get("status"); statusParam != "" {
		for _, st := range strings.Split(statusParam, ",") {
			filter.Status = append(filter.Status, domain.ExecutionStatus(strings.TrimSpace(st)))
		}
	}
	if streamParam := q.Get("stream_id"); streamParam != "" {
		streamID, ok := parseUUID(w, streamParam, "stream_id")
		if !ok {
			return
		}
		filter.StreamID = &streamID
	}
	var ok bool
	if filter.Limit, ok = parseIntParam(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = parseIntParam(w, q.Get("offset"), "offset"); !ok {
		return
	}
	if err := filter.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	execs, total, err := s.executions.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	runs := make([]executionResponse, len(execs))
	for i, e := range execs {
		runs[i] = toExecutionResponse(e, false)
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Total: total})
}

// cancelRun handles DELETE /runs/{executionID}.
// A pending execution is failed immediately; a running one is signalled and
// finishes on its own. Finished executions answer 409.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, chi.URLParam(r, "executionID"), "execution_id")
	if !ok {
		return
	}

	outcome, err := s.scheduler.CancelExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			writeError(w, http.StatusConflict, "execution has already finished")
			return
		}
		writeDomainError(w, err)
		return
	}

	s.logger.Info().
		Str("request_id", observability.RequestIDFromContext(r.Context())).
		Str("execution_id", id.String()).
		Str("outcome", string(outcome)).
		Msg("execution cancellation")

	if outcome == scheduler.CancelRequested {
		writeJSON(w, http.StatusAccepted, cancelRunResponse{Message: "cancellation requested"})
		return
	}
	writeJSON(w, http.StatusOK, cancelRunResponse{Message: "execution cancelled"})
}

// curateCandidate handles POST /runs/{executionID}/candidates/{candidateID}/curation.
func (s *Server) curateCandidate(w http.ResponseWriter, r *http.Request) {
	execID, ok := parseUUID(w, chi.URLParam(r, "executionID"), "execution_id")
	if !ok {
		return
	}
	candidateID, ok := parseUUID(w, chi.URLParam(r, "candidateID"), "candidate_id")
	if !ok {
		return
	}

	var req curationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		writeDomainError(w, err)
		return
	}

	candidate, err := s.candidates.SetCuration(r.Context(), execID, candidateID, domain.CurationAction(req.Action))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, candidate)
}

// decodeBody reads a bounded JSON body into v, writing a 400 response on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

// writeDomainError maps domain errors to HTTP status codes and writes a JSON
// error response. Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var (
		ve *domain.ValidationError
		ce *domain.ConfigurationError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid input")
	case errors.As(err, &ce):
		writeError(w, http.StatusUnprocessableEntity, ce.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflicts with the current execution state")
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "operation cancelled")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrExternalService):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseUUID parses a UUID from a string, writing a 400 error response if invalid.
// The parse error details are not included to avoid echoing potentially malicious input.
func parseUUID(w http.ResponseWriter, s, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a valid UUID", fieldName))
		return uuid.Nil, false
	}
	return id, true
}

// parseIntParam parses an optional non-negative integer query parameter.
func parseIntParam(w http.ResponseWriter, s, fieldName string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", fieldName))
		return 0, false
	}
	return n, true
}
