package client

import (
	"fmt"
	"time"

	"github.com/loykin/procmon/internal/crashbin"
)

// ErrorResponse is the body the agent returns with any non-200 status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for a non-200 response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

type PreSendRequest struct {
	TestNumber int `json:"test_number"`
}

type PostSendResponse struct {
	Alive bool `json:"alive"`
}

type KeysResponse struct {
	Keys []crashbin.Key `json:"keys"`
}

type BinResponse struct {
	Key     crashbin.Key      `json:"key"`
	Records []crashbin.Record `json:"records"`
}

// SessionStatus describes the debugger session slot.
type SessionStatus struct {
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Alive     bool      `json:"alive"`
	Faulted   bool      `json:"faulted"`
}

type Status struct {
	Session      SessionStatus `json:"session"`
	TestNumber   int           `json:"test_number"`
	LastSynopsis string        `json:"last_synopsis,omitempty"`
	Keys         int           `json:"keys"`
	Records      int           `json:"records"`
	CrashFile    string        `json:"crash_file"`
}

// Sample is one resource reading of the target.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type SamplesResponse struct {
	Samples []Sample `json:"samples"`
}
