package v1

// HealthResponse is returned by the unauthenticated health probe.
type HealthResponse struct {
	Status  string `json:"status"`
	Mode    string `json:"mode"`
	Version string `json:"version,omitempty"`
}

// MetricsResponse is the JSON counter dump served at /metrics.
type MetricsResponse struct {
	SessionsByStatus  map[string]int `json:"sessionsByStatus"`
	SandboxesByState  map[string]int `json:"sandboxesByState"`
	TotalMessages     int64          `json:"totalMessages"`
	AvgEndedSessionMS int64          `json:"avgEndedSessionMs"`
	ResumeWarmHits    int64          `json:"resumeWarmHits"`
	ResumeColdHits    int64          `json:"resumeColdHits"`
	Evictions         int64          `json:"evictions"`
	LiveRunners       int            `json:"liveRunners"`
}

// Error is the JSON error envelope every non-2xx API response carries.
// Kind names the server-side error class; StatusCode repeats the HTTP
// status so stream consumers that only see the body can still branch.
type Error struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	StatusCode int    `json:"statusCode"`
}
