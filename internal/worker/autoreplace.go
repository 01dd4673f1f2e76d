// Package worker runs the auto-replace control loop.
//
// # Lifecycle
//
// The worker is a process-wide singleton created stopped at startup and
// driven only by explicit start and stop commands. Start installs a
// cancellable context and launches the loop; Stop invokes the cancel
// handle. Both are idempotent. Cancellation is cooperative and checked
// between passes, never mid-pass: an in-flight pass always finishes
// digesting its target list.
//
// # Pass
//
// Each pass enumerates the proxies currently bound to devices, fast-scans
// them, and for every unavailable proxy selects a same-tenant same-region
// replacement and rebinds the affected devices. Every unavailable proxy
// yields exactly one audit entry, whatever the outcome.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HsiaoL1/monitor-sub000/internal/config"
	"github.com/HsiaoL1/monitor-sub000/internal/replacer"
	"github.com/HsiaoL1/monitor-sub000/internal/scanner"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// operatorName is recorded on audit entries written by the worker.
const operatorName = "auto-replace-worker"

// FleetSource supplies the in-use fleet.
type FleetSource interface {
	InUseFleet(ctx context.Context) ([]types.ProxyRecord, map[int64][]types.DeviceRef, error)
}

// Scanner runs the fleet probe pass.
type Scanner interface {
	Scan(ctx context.Context, proxies []types.ProxyRecord, devicesByProxy map[int64][]types.DeviceRef, limit int64, onProgress scanner.ProgressFunc) scanner.Summary
}

// Selector finds replacement candidates.
type Selector interface {
	FindReplacement(ctx context.Context, failed types.ProxyRecord) (replacer.Selection, error)
}

// Replacer rebinds devices and logs the outcome.
type Replacer interface {
	ReplaceAuto(ctx context.Context, oldProxy, newProxy types.ProxyRecord, operator, reason string) replacer.Result
}

// AuditLog records outcomes that never reach the replacer (selection
// failures).
type AuditLog interface {
	Append(entry *types.ReplacementLogEntry) error
}

// Status is a point-in-time view of the worker for the status endpoint.
type Status struct {
	Running bool   `json:"running"`
	Message string `json:"message"`
}

// AutoReplaceWorker detects unavailable proxies and replaces them on a
// fixed schedule.
type AutoReplaceWorker struct {
	fleet    FleetSource
	scanner  Scanner
	selector Selector
	replacer Replacer
	audit    AuditLog
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	message string

	// wg tracks the loop goroutine so tests can wait for shutdown.
	wg sync.WaitGroup
}

// New creates a stopped worker.
func New(fleet FleetSource, sc Scanner, sel Selector, rep Replacer, audit AuditLog, interval time.Duration, logger *slog.Logger) *AutoReplaceWorker {
	if interval == 0 {
		interval = config.AutoReplaceInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoReplaceWorker{
		fleet:    fleet,
		scanner:  sc,
		selector: sel,
		replacer: rep,
		audit:    audit,
		interval: interval,
		logger:   logger.With("component", "auto_replace_worker"),
		message:  "stopped",
	}
}

// Start launches the control loop. Idempotent: a second Start without an
// intervening Stop reports "already running" and changes nothing.
func (w *AutoReplaceWorker) Start() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return false, "already running"
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.message = "starting"

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("auto-replace worker started", "interval", w.interval)
	return true, "started"
}

// Stop cancels the control loop. Idempotent: stopping a stopped worker
// reports "already stopped" without touching the cancel handle.
func (w *AutoReplaceWorker) Stop() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return false, "already stopped"
	}

	w.cancel()
	w.cancel = nil
	w.running = false
	w.message = "stopped"

	w.logger.Info("auto-replace worker stopped")
	return true, "stopped"
}

// GetStatus returns the current worker state and status message.
func (w *AutoReplaceWorker) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Running: w.running, Message: w.message}
}

// Wait blocks until the loop goroutine exits. Test helper.
func (w *AutoReplaceWorker) Wait() {
	w.wg.Wait()
}

func (w *AutoReplaceWorker) setMessage(msg string) {
	w.mu.Lock()
	w.message = msg
	w.mu.Unlock()
}

func (w *AutoReplaceWorker) run(ctx context.Context) {
	defer w.wg.Done()

	// Cancellation applies between passes only: ctx gates the ticker
	// wait, while each pass runs on its own context so Stop cannot kill
	// in-flight probes or the reassignment call. Those carry their own
	// hard timeouts.
	w.runPass(context.Background())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("auto-replace loop exiting")
			return
		case <-ticker.C:
			w.runPass(context.Background())
		}
	}
}

// runPass executes one detection-and-replacement pass. It never returns
// an error: every failure is digested, logged, and reflected in the
// status message so operators can see it via the status endpoint.
func (w *AutoReplaceWorker) runPass(ctx context.Context) {
	start := time.Now()
	w.setMessage("enumerating in-use proxies")

	proxies, devicesByProxy, err := w.fleet.InUseFleet(ctx)
	if err != nil {
		w.logger.Error("fleet enumeration failed", "error", err)
		w.setMessage("fleet enumeration failed: " + err.Error())
		return
	}

	if len(proxies) == 0 {
		w.setMessage("no proxies in use; nothing to check")
		return
	}

	w.setMessage(fmt.Sprintf("scanning %d proxies", len(proxies)))
	summary := w.scanner.Scan(ctx, proxies, devicesByProxy, config.ScanConcurrency, nil)

	if summary.Unavailable == 0 {
		w.setMessage(fmt.Sprintf("pass complete: %d proxies healthy", summary.Total))
		return
	}

	byID := make(map[int64]types.ProxyRecord, len(proxies))
	for _, p := range proxies {
		byID[p.ID] = p
	}

	replaced := 0
	for _, res := range summary.Results {
		if res.Available {
			continue
		}
		proxy, ok := byID[res.Proxy.ID]
		if !ok {
			continue
		}
		w.setMessage(fmt.Sprintf("replacing unavailable proxy %d (%s)", proxy.ID, proxy.Addr()))
		if w.replaceOne(ctx, proxy, res) {
			replaced++
		}
	}

	w.setMessage(fmt.Sprintf("pass complete: %d scanned, %d unavailable, %d replaced, took %s",
		summary.Total, summary.Unavailable, replaced, time.Since(start).Round(time.Millisecond)))
}

// replaceOne handles a single unavailable proxy and guarantees exactly
// one audit entry for it. Returns true when devices were moved.
func (w *AutoReplaceWorker) replaceOne(ctx context.Context, proxy types.ProxyRecord, probe types.ProbeResult) bool {
	reason := "proxy unavailable: " + probe.ErrorMessage

	selection, err := w.selector.FindReplacement(ctx, proxy)
	if err != nil {
		w.appendBestEffort(&types.ReplacementLogEntry{
			OldProxy:     proxy.Summary(),
			Reason:       reason,
			ErrorMessage: "candidate lookup failed: " + err.Error(),
			Operator:     operatorName,
			OperatorKind: types.OperatorAuto,
		})
		return false
	}

	if !selection.Found {
		w.logger.Warn("no replacement available",
			"proxy_id", proxy.ID,
			"merchant_id", proxy.MerchantID,
			"country_code", proxy.CountryCode,
			"checked", selection.Checked)
		w.appendBestEffort(&types.ReplacementLogEntry{
			OldProxy:     proxy.Summary(),
			Reason:       reason,
			ErrorMessage: selection.Reason,
			Operator:     operatorName,
			OperatorKind: types.OperatorAuto,
		})
		return false
	}

	result := w.replacer.ReplaceAuto(ctx, proxy, *selection.Proxy, operatorName, reason)
	if !result.Success {
		w.logger.Error("auto replacement failed",
			"proxy_id", proxy.ID,
			"candidate_id", selection.Proxy.ID,
			"message", result.Message)
		return false
	}

	w.logger.Info("proxy auto-replaced",
		"old_proxy_id", proxy.ID,
		"new_proxy_id", selection.Proxy.ID,
		"devices_affected", result.DevicesAffected)
	return result.DevicesAffected > 0
}

// appendBestEffort writes an audit entry, logging instead of failing when
// the log store errors. Auto-path logging never aborts the worker loop.
func (w *AutoReplaceWorker) appendBestEffort(entry *types.ReplacementLogEntry) {
	if err := w.audit.Append(entry); err != nil {
		w.logger.Error("audit log write failed", "proxy_id", entry.OldProxy.ID, "error", err)
	}
}
