// Package config provides configuration for the proxy fleet monitor.
//
// Constants centralize the timing and capacity values used across the
// service so they are easy to find, modify, and test.
package config

import "time"

// Probe timeouts for the external network client.
const (
	// FastProbeTimeout bounds the single-target probe used in fleet scans.
	FastProbeTimeout = 5 * time.Second

	// ThoroughProbeTimeout bounds each attempt of the multi-target probe
	// used for replacement decisions.
	ThoroughProbeTimeout = 10 * time.Second

	// ThoroughProbeMaxTargets is the number of test endpoints the thorough
	// probe tries before giving up.
	ThoroughProbeMaxTargets = 3
)

// Scan concurrency caps for the batch scanner.
const (
	// ScanConcurrency caps in-flight probes for request-triggered scans.
	ScanConcurrency = 50

	// AsyncScanConcurrency caps in-flight probes for explicitly
	// asynchronous full-fleet scans.
	AsyncScanConcurrency = 100
)

// SnapshotTTL is how long a fleet snapshot is considered fresh. Stale
// snapshots are still servable; staleness is a flag, not an eviction.
const SnapshotTTL = 5 * time.Minute

// Auto-replace worker timing.
const (
	// AutoReplaceInterval is the delay between detection-and-replacement
	// passes of the auto-replace worker.
	AutoReplaceInterval = 10 * time.Minute
)

// Device-management API client settings.
const (
	// DeviceAPITimeout bounds the batch reassignment call.
	DeviceAPITimeout = 30 * time.Second

	// DeviceAPIRateLimit is requests per minute against the device API.
	DeviceAPIRateLimit = 60
)

// Cache TTLs for API response caching.
const (
	// CacheTTLReplaceLogStats is the TTL for replacement log statistics.
	CacheTTLReplaceLogStats = 30 * time.Second
)

// DefaultLogRetentionDays is the default retention for replacement log
// partitions when a cleanup request does not specify one.
const DefaultLogRetentionDays = 90
