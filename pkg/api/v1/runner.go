package v1

import "time"

// Runner is the API view of a registered runner node.
type Runner struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	MaxSandboxes    int       `json:"maxSandboxes"`
	ActiveCount     int       `json:"activeCount"`
	WarmingCount    int       `json:"warmingCount"`
	FreeSlots       int       `json:"freeSlots"`
	Live            bool      `json:"live"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// ListRunnersResponse wraps the runner collection.
type ListRunnersResponse struct {
	Runners []Runner `json:"runners"`
}
