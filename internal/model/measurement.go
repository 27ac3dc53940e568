package model

import (
	"context"
	"time"

	"github.com/ooni/minispeed/internal/optional"
)

// SampleMeasurement is one timed download.
type SampleMeasurement struct {
	BytesTransferred int64   `json:"bytes"`
	ElapsedSeconds   float64 `json:"elapsed"`
	SpeedMBps        float64 `json:"speed_mbps"`
}

// AverageResult is the arithmetic mean of the completed samples.
type AverageResult struct {
	AverageMBps float64 `json:"average_mbps"`
	SampleCount int     `json:"samples"`
}

// HasData returns false when no sample completed; AverageMBps is
// meaningless in that case.
func (r AverageResult) HasData() bool {
	return r.SampleCount > 0
}

// Report summarizes one run.
type Report struct {
	SessionID string                         `json:"session_id"`
	StartedAt time.Time                      `json:"started_at"`
	Runtime   float64                        `json:"runtime"`
	Location  optional.Value[ClientLocation] `json:"client_location"`
	Server    optional.Value[SelectedServer] `json:"server"`
	Download  optional.Value[AverageResult]  `json:"download"`
	Cancelled bool                           `json:"cancelled"`
	Failure   optional.Value[string]         `json:"failure"`
	Gateway   optional.Value[string]         `json:"gateway"`
}

// Directory fetches the token, the IP record and the server list.
type Directory interface {
	FetchToken(ctx context.Context) (string, error)
	FetchIPInfo(ctx context.Context) (*IPInfo, error)
	FetchServers(ctx context.Context, token string) ([]ServerCandidate, error)
}

// Downloader performs a single download whose body is discarded, returning
// the number of bytes read.
type Downloader interface {
	Download(ctx context.Context, url, token string) (int64, error)
}

// ThroughputRunner measures throughput against a selected server.
type ThroughputRunner interface {
	Run(ctx context.Context, server, token string, duration time.Duration,
		payloadSize int64, cancel CancelSignal) (AverageResult, error)
}
