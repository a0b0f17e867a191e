package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"insight-cli/internal/client"
)

// Jobs must be able to outlive the token they were started with by at least this much.
const minTokenLifetime = time.Hour

type Handlers struct {
	dataset Dataset
	jobs    *JobStore
	tokens  *TokenIssuer
	apiKeys map[string]struct{}
	now     func() time.Time
}

func NewHandlers(dataset Dataset, jobs *JobStore, tokens *TokenIssuer, apiKeys []string) *Handlers {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Handlers{
		dataset: dataset,
		jobs:    jobs,
		tokens:  tokens,
		apiKeys: keys,
		now:     time.Now,
	}
}

func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req client.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.OID == "" {
		writeError(w, "oid is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, "query is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.LimitEvent < 0 || req.LimitEval < 0 {
		writeError(w, "limits must be >= 0", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	resp, err := h.dataset.Respond(req)
	if err != nil {
		writeError(w, err.Error(), "INVALID_CURSOR", http.StatusBadRequest, r)
		return
	}

	requestLogger(r).Debug().
		Str("cursor", req.EventSource.SensorEvents.Cursor).
		Bool("dry_run", req.IsDryRun).
		Int("rows", len(resp.Results)).
		Msg("query served")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleSchema(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("oid") == "" {
		writeError(w, "oid is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, client.Schema{EventTypes: EventTypes})
}

func (h *Handlers) HandleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req client.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	switch {
	case req.OID == "":
		writeError(w, "oid is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	case strings.TrimSpace(req.Query) == "":
		writeError(w, "query is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	case req.StartTime > req.EndTime:
		writeError(w, "startTime must be <= endTime", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	case req.Compression != "" && req.Compression != "zip" && req.Compression != "none":
		writeError(w, "compression must be zip or none", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.Metadata) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Metadata, &obj); err != nil || obj == nil {
			writeError(w, "metadata must be a JSON object", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	var tokenExpiry string
	if bearer := bearerToken(r); bearer != "" && h.tokens != nil {
		if exp, err := h.tokens.Verify(bearer); err == nil {
			if exp.Sub(h.now()) < minTokenLifetime {
				writeError(w, "Token expires too soon for a download job", "TOKEN_TOO_SHORT", http.StatusBadRequest, r)
				return
			}
			tokenExpiry = exp.UTC().Format(time.RFC3339)
		}
	}

	st := h.jobs.Create(req)
	span := req.EndTime - req.StartTime
	scanned := max(span, 1) * 100
	resp := client.DownloadStarted{
		JobID: st.JobID,
		EstimatedStats: client.EstimatedStats{
			EventsScanned: scanned,
			EventsMatched: scanned / 10,
			EstimatedPrice: client.Price{
				Price:    float64(scanned) * 0.000001,
				Currency: "USD",
			},
		},
		TokenExpiry: tokenExpiry,
	}

	requestLogger(r).Info().
		Str("job_id", st.JobID).
		Msg("download job created")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil || limit < 1 || limit > 1000 {
		writeError(w, "limit must be 1-1000", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, "offset must be >= 0", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: h.jobs.List(limit, offset)})
}

func (h *Handlers) HandleGetDownload(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) HandleCancelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.jobs.Cancel(id)
	switch {
	case errors.Is(err, errJobNotFound):
		writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, errJobFinished):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
	case err != nil:
		writeError(w, "cancel failed", "INTERNAL", http.StatusInternalServerError, r)
	default:
		requestLogger(r).Info().Str("job_id", id).Msg("download job cancelled")
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleJWT exchanges an API key (form field "secret") for a signed token.
// "expiry" is an absolute Unix time in seconds; it defaults to one hour ahead.
func (h *Handlers) HandleJWT(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, "invalid form: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	oid := r.PostFormValue("oid")
	if oid == "" {
		writeError(w, "oid is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(h.apiKeys) > 0 {
		if _, ok := h.apiKeys[r.PostFormValue("secret")]; !ok {
			writeError(w, "invalid secret", "AUTH_REQUIRED", http.StatusUnauthorized, r)
			return
		}
	}

	now := h.now()
	exp := now.Add(time.Hour)
	if raw := r.PostFormValue("expiry"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts <= now.Unix() {
			writeError(w, "expiry must be a future unix timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		exp = time.Unix(ts, 0)
	}

	token, err := h.tokens.Issue(oid, exp)
	if err != nil {
		requestLogger(r).Error().Err(err).Msg("token issue failed")
		writeError(w, "token issue failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, JWTResponse{JWT: token})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
