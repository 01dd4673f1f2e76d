package replacer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HsiaoL1/monitor-sub000/internal/devicemgr"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// DeviceStore supplies the devices bound to a proxy.
type DeviceStore interface {
	ListDevicesByProxy(ctx context.Context, proxyID int64) ([]types.DeviceRef, error)
}

// Reassigner rebinds devices through the device-management API.
type Reassigner interface {
	ReassignDevices(ctx context.Context, devices []types.DeviceRef, newProxyID int64) devicemgr.Outcome
}

// AuditLog records every replacement attempt.
type AuditLog interface {
	Append(entry *types.ReplacementLogEntry) error
}

// Result describes one replacement attempt for callers.
type Result struct {
	Success         bool   `json:"success"`
	DevicesAffected int    `json:"devices_affected"`
	Message         string `json:"message"`
}

// Replacer performs a validated proxy replacement: confirm the new proxy
// is reachable, rebind the old proxy's devices, and log the outcome.
type Replacer struct {
	devices    DeviceStore
	reassigner Reassigner
	audit      AuditLog
	prober     Prober
	logger     *slog.Logger
}

// New creates a replacer.
func New(devices DeviceStore, reassigner Reassigner, audit AuditLog, p Prober, logger *slog.Logger) *Replacer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replacer{
		devices:    devices,
		reassigner: reassigner,
		audit:      audit,
		prober:     p,
		logger:     logger.With("component", "replacer"),
	}
}

// Replace rebinds every device on oldProxy to newProxy. The new proxy is
// probed first; an unreachable replacement fails the whole operation.
// Exactly one audit entry is written per call. The returned error covers
// audit storage failures only; business failures land in the Result.
func (r *Replacer) Replace(ctx context.Context, oldProxy, newProxy types.ProxyRecord, operator string, kind types.OperatorKind, reason string) (Result, error) {
	entry := &types.ReplacementLogEntry{
		OldProxy:     oldProxy.Summary(),
		NewProxy:     newProxy.Summary(),
		Reason:       reason,
		Operator:     operator,
		OperatorKind: kind,
	}

	probe := r.prober.ProbeThorough(ctx, newProxy)
	if !probe.Available {
		entry.ErrorMessage = "replacement proxy unreachable: " + probe.ErrorMessage
		return r.finish(entry, Result{
			Message: entry.ErrorMessage,
		})
	}

	return r.reassignAndLog(ctx, oldProxy, newProxy, entry)
}

// ReplaceVerified is Replace without the reachability probe, for callers
// that have already verified the new proxy (the auto-replace worker's
// selector probes candidates before picking one).
func (r *Replacer) ReplaceVerified(ctx context.Context, oldProxy, newProxy types.ProxyRecord, operator string, kind types.OperatorKind, reason string) (Result, error) {
	entry := &types.ReplacementLogEntry{
		OldProxy:     oldProxy.Summary(),
		NewProxy:     newProxy.Summary(),
		Reason:       reason,
		Operator:     operator,
		OperatorKind: kind,
	}
	return r.reassignAndLog(ctx, oldProxy, newProxy, entry)
}

func (r *Replacer) reassignAndLog(ctx context.Context, oldProxy, newProxy types.ProxyRecord, entry *types.ReplacementLogEntry) (Result, error) {
	devices, err := r.devices.ListDevicesByProxy(ctx, oldProxy.ID)
	if err != nil {
		entry.ErrorMessage = "listing bound devices: " + err.Error()
		return r.finish(entry, Result{
			Message: entry.ErrorMessage,
		})
	}

	if len(devices) == 0 {
		entry.Success = true
		return r.finish(entry, Result{
			Success: true,
			Message: "no devices bound to the old proxy; nothing to reassign",
		})
	}

	outcome := r.reassigner.ReassignDevices(ctx, devices, newProxy.ID)
	if !outcome.AllSucceeded {
		entry.ErrorMessage = outcome.ErrorMessage
		return r.finish(entry, Result{
			Message: "device reassignment failed: " + outcome.ErrorMessage,
		})
	}

	entry.Success = true
	entry.DevicesAffected = outcome.DevicesTargeted
	return r.finish(entry, Result{
		Success:         true,
		DevicesAffected: outcome.DevicesTargeted,
		Message:         fmt.Sprintf("reassigned %d devices", outcome.DevicesTargeted),
	})
}

// ReplaceAuto is ReplaceVerified for the auto path: audit write failures
// are logged and swallowed so the worker loop never aborts on storage
// errors.
func (r *Replacer) ReplaceAuto(ctx context.Context, oldProxy, newProxy types.ProxyRecord, operator, reason string) Result {
	result, err := r.ReplaceVerified(ctx, oldProxy, newProxy, operator, types.OperatorAuto, reason)
	if err != nil {
		r.logger.Error("audit log write failed on auto replace",
			"old_proxy_id", oldProxy.ID,
			"new_proxy_id", newProxy.ID,
			"error", err)
	}
	return result
}

func (r *Replacer) finish(entry *types.ReplacementLogEntry, result Result) (Result, error) {
	if err := r.audit.Append(entry); err != nil {
		return result, fmt.Errorf("recording replacement log: %w", err)
	}
	return result, nil
}
