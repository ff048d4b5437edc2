package domain

import "time"

// PipelineHandle identifies a channel inside the media engine.
type PipelineHandle int

// InvalidPipeline marks an unallocated handle.
const InvalidPipeline PipelineHandle = -1

type SessionID string

// SessionState is the controller lifecycle state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateProvisioned
	StateStreaming
	StateReconfiguring
	StateTornDown
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioned:
		return "provisioned"
	case StateStreaming:
		return "streaming"
	case StateReconfiguring:
		return "reconfiguring"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// CallState is the snapshot of everything the controller owns for one call.
type CallState struct {
	SessionID         SessionID        `json:"session_id"`
	State             string           `json:"state"`
	Spec              StreamSpec       `json:"spec"`
	Policy            string           `json:"policy"`
	ActiveLayers      int              `json:"active_layers"`
	SendPipeline      PipelineHandle   `json:"send_pipeline"`
	ReceivePipelines  []PipelineHandle `json:"receive_pipelines"`
	AuxiliaryPipeline PipelineHandle   `json:"auxiliary_pipeline"`
	ThumbnailPipeline PipelineHandle   `json:"thumbnail_pipeline"`
	StartedAt         time.Time        `json:"started_at,omitempty"`
	Reconfigurations  int              `json:"reconfigurations"`
}
