// Package types defines the shared data model for the proxy fleet monitor.
package types

import (
	"fmt"
	"time"
)

// DeviceKind distinguishes the two device classes managed by the device API.
type DeviceKind string

const (
	DeviceKindHardware DeviceKind = "hardware"
	DeviceKindCloud    DeviceKind = "cloud"
)

// DefaultProxyProtocol is used when a proxy record has no protocol set.
const DefaultProxyProtocol = "socks5"

// ProxyRecord is an outbound proxy as stored in the relational store.
// Records are read-only to this service; the store owns the schema.
type ProxyRecord struct {
	ID          int64  `json:"id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Account     string `json:"account,omitempty"`
	Password    string `json:"password,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	MerchantID  int64  `json:"merchant_id"`
	CountryCode string `json:"country_code"`
	Note        string `json:"note,omitempty"`
}

// Addr returns the host:port form of the proxy address.
func (p ProxyRecord) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// URL builds the proxy connection string for the external network client.
// The protocol falls back to socks5 when unset. Credentials are embedded
// only when both account and password are present.
func (p ProxyRecord) URL() string {
	protocol := p.Protocol
	if protocol == "" {
		protocol = DefaultProxyProtocol
	}
	if p.Account != "" && p.Password != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", protocol, p.Account, p.Password, p.IP, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", protocol, p.IP, p.Port)
}

// Summary returns the identifying subset of the record used in audit entries.
func (p ProxyRecord) Summary() ProxySummary {
	return ProxySummary{
		ID:         p.ID,
		IP:         p.IP,
		Port:       p.Port,
		MerchantID: p.MerchantID,
	}
}

// ProxySummary identifies a proxy in audit log entries and API responses.
type ProxySummary struct {
	ID         int64  `json:"id"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	MerchantID int64  `json:"merchant_id"`
}

// DeviceRef is a device currently bound to a proxy. Read-only here; the
// bound-proxy mutation happens through the device-management API.
type DeviceRef struct {
	ID         int64      `json:"id"`
	Kind       DeviceKind `json:"kind"`
	Online     bool       `json:"online"`
	MerchantID int64      `json:"merchant_id"`
	ProxyID    int64      `json:"proxy_id"`
}

// ProbeResult is the outcome of probing a single proxy. Results are created
// fresh on every probe and never mutated.
type ProbeResult struct {
	Proxy          ProxySummary `json:"proxy"`
	Available      bool         `json:"available"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	TestTarget     string       `json:"test_target_used,omitempty"`
	UsingDevices   []DeviceRef  `json:"using_devices,omitempty"`
	DeviceCount    int          `json:"device_count"`
	CheckedAt      time.Time    `json:"checked_at"`
}

// FleetSnapshot is one complete, internally consistent scan of the fleet.
// Snapshots are replaced as a whole, never patched field-by-field.
type FleetSnapshot struct {
	Results map[int64]ProbeResult `json:"results"`
	TakenAt time.Time             `json:"taken_at"`
}

// Unavailable returns the number of proxies that failed their probe.
func (s *FleetSnapshot) Unavailable() int {
	n := 0
	for _, r := range s.Results {
		if !r.Available {
			n++
		}
	}
	return n
}

// TaskStatus is the lifecycle state of an asynchronous scan task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ScanTask tracks a background full-fleet scan. Terminal states are final.
type ScanTask struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	Total        int        `json:"total"`
	Completed    int        `json:"completed"`
	Progress     int        `json:"progress"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// OperatorKind records whether a replacement was requested by a human or by
// the auto-replace worker.
type OperatorKind string

const (
	OperatorManual OperatorKind = "manual"
	OperatorAuto   OperatorKind = "auto"
)

// ReplacementLogEntry is one replacement attempt. Entries are append-only
// and immutable once persisted; IDs are unique within their day partition.
type ReplacementLogEntry struct {
	ID              int          `json:"id"`
	ReplacedAt      time.Time    `json:"replaced_at"`
	OldProxy        ProxySummary `json:"old_proxy"`
	NewProxy        ProxySummary `json:"new_proxy"`
	Success         bool         `json:"success"`
	DevicesAffected int          `json:"devices_affected"`
	Reason          string       `json:"reason"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Operator        string       `json:"operator"`
	OperatorKind    OperatorKind `json:"operator_kind"`
}
