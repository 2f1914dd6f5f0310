package v1

// ExecRequest runs one shell command inside a session's sandbox.
type ExecRequest struct {
	Command   string `json:"command" binding:"required"`
	TimeoutMS int64  `json:"timeoutMs,omitempty"`
}

// ExecResult carries the outcome of an exec call. ExitCode is the command's
// own status; transport failures surface as API errors instead.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
