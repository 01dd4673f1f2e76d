// Package prober tests proxy reachability through an external network client.
//
// # Why curl?
//
// The service does not speak proxy protocols itself. curl handles http,
// https, socks4 and socks5 proxies uniformly, honors hard timeouts, and is
// available everywhere the dashboard is deployed. A probe sends a request
// through the proxy to a "what is my IP" style endpoint; if the response
// body looks like address or location data, the proxy is reachable.
//
// # Variants
//
// ProbeFast issues a single request with a short timeout and is used by
// fleet-wide scans. ProbeThorough tries up to three different endpoints
// sequentially with a longer timeout and is used for replacement decisions,
// stopping at the first success.
//
// Probes never return a Go error: all failures are encoded in the Result.
package prober

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/HsiaoL1/monitor-sub000/internal/config"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// DefaultTestTargets are tried in order by the thorough probe. The fast
// probe uses only the first.
var DefaultTestTargets = []string{
	"https://api.ipify.org?format=text",
	"https://ifconfig.me/ip",
	"https://ipinfo.io/ip",
}

// Result is the outcome of one probe.
type Result struct {
	Available      bool
	ResponseTimeMs int64
	ErrorMessage   string
	TestTarget     string
}

// Prober probes proxies by shelling out to curl.
type Prober struct {
	// CurlPath is the path to the curl binary. Default: "curl".
	CurlPath string

	// TestTargets are the endpoints probed through the proxy.
	TestTargets []string

	// FastTimeout bounds the fast probe. Default: config.FastProbeTimeout.
	FastTimeout time.Duration

	// ThoroughTimeout bounds each attempt of the thorough probe.
	ThoroughTimeout time.Duration

	logger *slog.Logger
}

// New creates a prober with sensible defaults.
func New(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		CurlPath:        "curl",
		TestTargets:     DefaultTestTargets,
		FastTimeout:     config.FastProbeTimeout,
		ThoroughTimeout: config.ThoroughProbeTimeout,
		logger:          logger.With("component", "prober"),
	}
}

// ProbeFast tests a proxy against a single endpoint with a short timeout.
func (p *Prober) ProbeFast(ctx context.Context, proxy types.ProxyRecord) Result {
	target := p.TestTargets[0]
	return p.probeOnce(ctx, proxy, target, p.FastTimeout)
}

// ProbeThorough tests a proxy against up to three endpoints sequentially,
// returning at the first success. The last failure is returned when every
// endpoint fails.
func (p *Prober) ProbeThorough(ctx context.Context, proxy types.ProxyRecord) Result {
	targets := p.TestTargets
	if len(targets) > config.ThoroughProbeMaxTargets {
		targets = targets[:config.ThoroughProbeMaxTargets]
	}

	var last Result
	for _, target := range targets {
		last = p.probeOnce(ctx, proxy, target, p.ThoroughTimeout)
		if last.Available {
			return last
		}
		if ctx.Err() != nil {
			break
		}
	}
	return last
}

// probeOnce runs a single curl invocation through the proxy.
func (p *Prober) probeOnce(ctx context.Context, proxy types.ProxyRecord, target string, timeout time.Duration) Result {
	curlPath := p.CurlPath
	if curlPath == "" {
		curlPath = "curl"
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// --max-time caps the whole transfer; --connect-timeout fails fast on
	// dead proxies instead of burning the full budget on the handshake.
	args := []string{
		"-sS",
		"--max-time", strconv.FormatInt(int64(timeout.Seconds()), 10),
		"--connect-timeout", strconv.FormatInt(int64(timeout.Seconds()), 10),
		"--proxy", proxy.URL(),
		target,
	}

	cmd := exec.CommandContext(probeCtx, curlPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	result := Result{
		ResponseTimeMs: elapsed,
		TestTarget:     target,
	}

	if probeCtx.Err() == context.DeadlineExceeded {
		result.ErrorMessage = fmt.Sprintf("timeout after %s", timeout)
		return result
	}
	if err != nil {
		result.ErrorMessage = curlError(err, stderr.String())
		return result
	}

	body := strings.TrimSpace(stdout.String())
	if !looksLikeAddress(body) {
		result.ErrorMessage = fmt.Sprintf("unexpected response body %q", truncate(body, 80))
		return result
	}

	result.Available = true
	return result
}

// firstLine trims stderr down to its first non-empty line.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// curlError builds a probe error message from a failed curl run.
func curlError(err error, stderr string) string {
	if msg := firstLine(stderr); msg != "" {
		return msg
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		// Exit 28 is curl's operation-timeout code.
		if exitErr.ExitCode() == 28 {
			return "timeout: curl exit 28"
		}
		return fmt.Sprintf("curl exit %d", exitErr.ExitCode())
	}
	return err.Error()
}

// addressKeywords appear in the bodies of IP/location endpoints that return
// more than a bare address.
var addressKeywords = []string{"ip", "country", "region", "city", "loc"}

// looksLikeAddress reports whether a response body plausibly contains
// address or location data: non-empty and containing digits, dots, or a
// known keyword.
func looksLikeAddress(body string) bool {
	if body == "" {
		return false
	}
	for _, r := range body {
		if r >= '0' && r <= '9' {
			return true
		}
		if r == '.' {
			return true
		}
	}
	lower := strings.ToLower(body)
	for _, kw := range addressKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
