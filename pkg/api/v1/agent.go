package v1

import "time"

// Agent is a deployed agent bundle as reported by the API. Version counts
// deployments of the same name; a redeploy bumps it.
type Agent struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListAgentsResponse wraps the agent collection.
type ListAgentsResponse struct {
	Agents []Agent `json:"agents"`
}

// DeployAgentResponse is returned by deploy and redeploy calls.
type DeployAgentResponse struct {
	Agent Agent `json:"agent"`
}

// AgentFilesResponse lists the files inside a deployed bundle.
type AgentFilesResponse struct {
	Agent string      `json:"agent"`
	Files []FileEntry `json:"files"`
}
