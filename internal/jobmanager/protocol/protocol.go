// Package protocol defines the payloads exchanged on the bus between front-end sessions, the job manager and agents.
// Histogram collections travel packed (see histogram.Pack) and base64 encoded by encoding/json; intermediate frames
// from agents travel as JSON arrays.
package protocol

import (
	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
)

// JobStart is the payload of job_start on the jobs channel.
type JobStart struct {
	Lab        string             `json:"lab"`
	Parameters map[string]float64 `json:"parameters"`
	Histograms []string           `json:"histograms,omitempty"`
	// Owner name; results go to job-responses-<dataChannel>.
	DataChannel string `json:"dataChannel"`
	// Event budget. Omitted selects the configured default.
	Events *int   `json:"events,omitempty"`
	Team   string `json:"team,omitempty"`
}

type JobStartReply struct {
	lqerrors.Reply
	JobId string `json:"jid,omitempty"`
	// Set when the job waits for agents.
	Queued bool `json:"queued"`
	// Set when the job was answered from the interpolation cache.
	Cached bool `json:"cached,omitempty"`
}

// JobRef names a job. It is the payload of job_cancel, job_status, stop and job_cancelled.
type JobRef struct {
	JobId string `json:"jid"`
}

type JobStatusReply struct {
	lqerrors.Reply
	JobId       string `json:"jid"`
	State       string `json:"state"`
	Events      int    `json:"events"`
	TotalEvents int    `json:"totalEvents"`
}

// JobData is a partial result pushed to the owner.
type JobData struct {
	JobId      string `json:"jid"`
	Events     int    `json:"events"`
	Collection []byte `json:"collection"`
	// Set for previews built by the interpolator before any agent reported.
	Interpolated bool `json:"interpolated,omitempty"`
}

// JobCompleted is the final result pushed to the owner.
type JobCompleted struct {
	JobId      string `json:"jid"`
	Events     int    `json:"events"`
	Collection []byte `json:"collection"`
	Cached     bool   `json:"cached,omitempty"`
}

type JobFailed struct {
	JobId string `json:"jid"`
	Error string `json:"error"`
}

// Run asks an agent to generate events for a job.
type Run struct {
	JobId      string             `json:"jid"`
	Lab        string             `json:"lab"`
	Parameters map[string]float64 `json:"parameters"`
	Events     int                `json:"events"`
	Histograms []string           `json:"histograms,omitempty"`
}

// Reload asks an agent to generate Events more events for a job it is running.
type Reload struct {
	JobId  string `json:"jid"`
	Events int    `json:"events"`
}

// Presence is an agent announcing itself. Jobs lists the jobs the agent is running.
type Presence struct {
	Agent     string   `json:"agent"`
	Generator string   `json:"generator"`
	Version   string   `json:"version"`
	Beams     []string `json:"beams"`
	Slots     int      `json:"slots"`
	Group     string   `json:"group"`
	Jobs      []string `json:"jobs"`
}

// Frame carries the moments of the events an agent generated since its previous frame of the same job.
type Frame struct {
	Agent      string                            `json:"agent"`
	JobId      string                            `json:"jid"`
	Seq        int64                             `json:"seq"`
	Events     int                               `json:"events"`
	Histograms *histogram.IntermediateCollection `json:"histograms"`
}

// AgentJobCompleted tells the job manager an agent finished a job, either because its share is done or because it
// was stopped.
type AgentJobCompleted struct {
	Agent string `json:"agent"`
	JobId string `json:"jid"`
	// Events generated for the job across all frames.
	Events int `json:"events"`
}

// AgentJobFailed reports an agent giving up on a job. Fatal failures quarantine the agent for longer.
type AgentJobFailed struct {
	Agent string `json:"agent"`
	JobId string `json:"jid"`
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

// Heartbeat keeps an agent, and optionally one of its assignments, alive.
type Heartbeat struct {
	Agent string `json:"agent"`
	JobId string `json:"jid,omitempty"`
}

// Bye is sent by an agent shutting down gracefully.
type Bye struct {
	Agent string `json:"agent"`
}
