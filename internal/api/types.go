package api

import "insight-cli/internal/client"

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
	Uptime     string `json:"uptime"`
}

// JWTResponse carries a freshly issued token.
type JWTResponse struct {
	JWT string `json:"jwt"`
}

// JobListResponse is the body of GET /download.
type JobListResponse struct {
	Jobs []client.JobStatus `json:"jobs"`
}
