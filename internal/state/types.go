// Package state tracks per-asset download state and fans changes out to
// subscribers and observers.
package state

import "time"

type Status string

const (
	StatusNotDownloaded Status = "not-downloaded"
	StatusQueued        Status = "queued"
	StatusDownloading   Status = "downloading"
	StatusExtracting    Status = "extracting"
	StatusReady         Status = "ready"
	StatusFailed        Status = "failed"
)

func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusExtracting
}

// rank orders statuses within one attempt.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusDownloading:
		return 2
	case StatusExtracting:
		return 3
	case StatusReady:
		return 4
	}
	return 0
}

type DownloadState struct {
	Key             string    `json:"key"`
	Status          Status    `json:"status"`
	Progress        float64   `json:"progress"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	TotalBytes      int64     `json:"totalBytes"`
	Error           string    `json:"error,omitempty"`
	Action          string    `json:"action,omitempty"`
	Attempt         int       `json:"attempt"`
	AttemptID       string    `json:"attemptId,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func NotDownloaded(key string) DownloadState {
	return DownloadState{Key: key, Status: StatusNotDownloaded}
}

func (d DownloadState) IsReady() bool { return d.Status == StatusReady }

type CoreState struct {
	CoreID    string        `json:"coreId"`
	Required  bool          `json:"required"`
	SizeBytes int64         `json:"sizeBytes"`
	State     DownloadState `json:"state"`
}

// VoiceDownloadState joins a voice to the states of everything it needs.
type VoiceDownloadState struct {
	VoiceID        string         `json:"voiceId"`
	Status         Status         `json:"status"`
	Cores          []CoreState    `json:"cores"`
	Activation     *DownloadState `json:"activation,omitempty"`
	Ready          bool           `json:"ready"`
	Progress       float64        `json:"progress"`
	MissingCoreIDs []string       `json:"missingCoreIds,omitempty"`
}
