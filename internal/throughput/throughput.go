// Package throughput implements the timed download loop.
package throughput

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/ooni/minispeed/internal/bytesx"
	"github.com/ooni/minispeed/internal/model"
)

// nonceLength is the length of the per-run cache buster.
const nonceLength = 7

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Sampler repeatedly downloads a fixed-size payload from a server for a
// fixed wall-clock budget. Time is read from the tracer. The zero value
// is not valid; use [New].
type Sampler struct {
	downloader model.Downloader
	sinks      model.Sinks
	tracer     model.Tracer
	logger     model.Logger
}

var _ model.ThroughputRunner = &Sampler{}

// New creates a [Sampler].
func New(downloader model.Downloader, sinks model.Sinks, tracer model.Tracer, logger model.Logger) *Sampler {
	return &Sampler{
		downloader: downloader,
		sinks:      sinks,
		tracer:     tracer,
		logger:     logger,
	}
}

// Run downloads from server until duration has elapsed, cancel is signaled,
// a download fails or takes no measurable time. Each sample is reported through OnSpeed and the
// average is reported last. With no completed sample Run returns
// [model.ErrNoAverage] and reports no average.
//
// An in-flight download is never interrupted, hence Run may overrun
// duration by at most one download.
func (s *Sampler) Run(ctx context.Context, server, token string, duration time.Duration,
	payloadSize int64, cancel model.CancelSignal) (model.AverageResult, error) {
	nonce, err := newNonce()
	if err != nil {
		return model.AverageResult{}, err
	}
	target := DownloadURL(server, payloadSize, nonce, token)
	s.logger.Debugf("throughput: %s for %s", target, duration)

	var (
		sum   float64
		count int
	)
	start := s.tracer.TimeNow()
	for s.tracer.TimeNow().Sub(start) < duration {
		if cancel.Stopped() {
			s.logger.Info("throughput: stop requested")
			break
		}
		sample, err := s.sample(ctx, target, token, payloadSize)
		if err != nil {
			s.logger.Warnf("throughput: %s", err.Error())
			s.sinks.OnError("ERROR: Cannot download test file: " + err.Error())
			break
		}
		if sample.ElapsedSeconds <= 0 {
			// the clock is not advancing: the budget would never expire
			s.logger.Warn("throughput: download took no measurable time")
			break
		}
		sum += sample.SpeedMBps
		count++
		s.tracer.OnSample(sample)
		s.sinks.OnSpeed(sample.SpeedMBps)
	}

	if count <= 0 {
		return model.AverageResult{}, model.ErrNoAverage
	}
	avg := model.AverageResult{
		AverageMBps: math.Round(sum/float64(count)*1000) / 1000,
		SampleCount: count,
	}
	s.logger.Infof("throughput: average %.3f MB/s over %d samples", avg.AverageMBps, avg.SampleCount)
	s.sinks.OnSpeed(avg.AverageMBps)
	return avg, nil
}

func (s *Sampler) sample(ctx context.Context, target, token string, payloadSize int64) (model.SampleMeasurement, error) {
	t0 := s.tracer.TimeNow()
	count, err := s.downloader.Download(ctx, target, token)
	if err != nil {
		return model.SampleMeasurement{}, err
	}
	elapsed := s.tracer.TimeNow().Sub(t0).Seconds()
	if count != payloadSize {
		s.logger.Debugf("throughput: read %d bytes, expected %d", count, payloadSize)
	}
	return model.SampleMeasurement{
		BytesTransferred: count,
		ElapsedSeconds:   elapsed,
		SpeedMBps:        SpeedMBps(payloadSize, elapsed),
	}, nil
}

// SpeedMBps converts a transfer into megabytes per second, using 1000
// based units and rounding to 3 decimals.
func SpeedMBps(size int64, elapsedSeconds float64) float64 {
	return math.Round(float64(size)/elapsedSeconds/1000) / 1000
}

// DownloadURL builds the URL of a download of size bytes from server,
// which is a "host:port" string.
func DownloadURL(server string, size int64, nonce, token string) string {
	query := url.Values{}
	query.Set("size", strconv.FormatInt(size, 10))
	query.Set("nc", nonce)
	query.Set("token", token)
	u := &url.URL{
		Scheme:   "https",
		Host:     server,
		Path:     "/download",
		RawQuery: query.Encode(),
	}
	return u.String()
}

func newNonce() (string, error) {
	nonce, err := bytesx.GenRandomString(nonceLength, nonceAlphabet)
	if err != nil {
		return "", fmt.Errorf("cannot generate nonce: %w", err)
	}
	return nonce, nil
}
