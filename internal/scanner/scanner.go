// Package scanner fans out reachability probes across the proxy fleet.
//
// # Design
//
// One scan probes every proxy concurrently under a counting semaphore so a
// large fleet cannot exhaust file descriptors or saturate the uplink with
// curl processes. Probe results land in a shared slice under a mutex; the
// status cache snapshot is replaced exactly once, after every probe has
// finished, so readers see either the pre-scan or post-scan fleet in full.
//
// Probe completion order is not deterministic. Callers must reason about
// sets and counts, not ordering.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/HsiaoL1/monitor-sub000/internal/prober"
	"github.com/HsiaoL1/monitor-sub000/internal/status"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// Prober is the probe dependency of the scanner.
type Prober interface {
	ProbeFast(ctx context.Context, proxy types.ProxyRecord) prober.Result
}

// ProgressFunc is invoked after each probe completes with the number of
// finished probes and the total.
type ProgressFunc func(completed, total int)

// Summary is the outcome of one fleet scan.
type Summary struct {
	Total       int                 `json:"total"`
	Unavailable int                 `json:"unavailable"`
	Results     []types.ProbeResult `json:"results"`
}

// Scanner runs bounded concurrent probes and publishes the snapshot.
type Scanner struct {
	prober Prober
	status *status.Cache
	logger *slog.Logger
}

// New creates a scanner publishing into the given status cache.
func New(p Prober, statusCache *status.Cache, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		prober: p,
		status: statusCache,
		logger: logger.With("component", "scanner"),
	}
}

// Scan probes all given proxies with at most limit in flight, replaces the
// status cache snapshot once every probe has finished, and returns the
// full result set. devicesByProxy annotates each result with the devices
// currently bound to that proxy. onProgress may be nil.
func (s *Scanner) Scan(ctx context.Context, proxies []types.ProxyRecord, devicesByProxy map[int64][]types.DeviceRef, limit int64, onProgress ProgressFunc) Summary {
	start := time.Now()
	total := len(proxies)

	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup

	var mu sync.Mutex
	results := make([]types.ProbeResult, 0, total)
	done := 0

	for _, proxy := range proxies {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting for a slot: record the
			// remaining proxies as unprobed failures so the snapshot
			// still covers the whole fleet.
			mu.Lock()
			results = append(results, s.cancelledResult(proxy, devicesByProxy, err))
			done++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(proxy types.ProxyRecord) {
			defer wg.Done()
			defer sem.Release(1)

			res := s.prober.ProbeFast(ctx, proxy)
			devices := devicesByProxy[proxy.ID]

			mu.Lock()
			results = append(results, types.ProbeResult{
				Proxy:          proxy.Summary(),
				Available:      res.Available,
				ResponseTimeMs: res.ResponseTimeMs,
				ErrorMessage:   res.ErrorMessage,
				TestTarget:     res.TestTarget,
				UsingDevices:   devices,
				DeviceCount:    len(devices),
				CheckedAt:      time.Now(),
			})
			done++
			completed := done
			mu.Unlock()

			if onProgress != nil {
				onProgress(completed, total)
			}
		}(proxy)
	}

	wg.Wait()

	snap := &types.FleetSnapshot{
		Results: make(map[int64]types.ProbeResult, len(results)),
		TakenAt: time.Now(),
	}
	unavailable := 0
	for _, r := range results {
		snap.Results[r.Proxy.ID] = r
		if !r.Available {
			unavailable++
		}
	}
	s.status.Replace(snap)

	s.logger.Info("fleet scan complete",
		"total", total,
		"unavailable", unavailable,
		"duration", time.Since(start))

	return Summary{
		Total:       total,
		Unavailable: unavailable,
		Results:     results,
	}
}

func (s *Scanner) cancelledResult(proxy types.ProxyRecord, devicesByProxy map[int64][]types.DeviceRef, err error) types.ProbeResult {
	devices := devicesByProxy[proxy.ID]
	return types.ProbeResult{
		Proxy:        proxy.Summary(),
		Available:    false,
		ErrorMessage: "scan cancelled: " + err.Error(),
		UsingDevices: devices,
		DeviceCount:  len(devices),
		CheckedAt:    time.Now(),
	}
}
