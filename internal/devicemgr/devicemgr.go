// Package devicemgr provides a client for the remote device-management API.
//
// The API rebinds devices to a proxy in one batch call. Its response is a
// single {code, message} envelope with no per-device acknowledgment, so
// the outcome is all-or-nothing for the whole batch: callers must not
// assume partial credit. This is a documented limitation of the upstream
// API, not something to paper over here.
package devicemgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/HsiaoL1/monitor-sub000/internal/config"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// codeOK is the success code of the device-management API envelope.
const codeOK = 0

// Config holds configuration for the device-management API client.
type Config struct {
	BaseURL   string        // Base URL (e.g., "https://devices.internal/api/v1")
	AuthToken string        // Bearer token for authentication
	Timeout   time.Duration // HTTP timeout (default: 30s)
	RateLimit int           // Requests per minute (default: 60)
}

// Client calls the device-management API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	authToken   string
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewClient creates a device-management API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = config.DeviceAPITimeout
	}

	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = config.DeviceAPIRateLimit
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		authToken:   cfg.AuthToken,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(rateLimit)/60.0), 1),
		logger:      logger.With("component", "devicemgr_client"),
	}
}

// Outcome is the tagged all-or-nothing result of one reassignment call.
type Outcome struct {
	AllSucceeded    bool
	DevicesTargeted int
	ErrorMessage    string
}

// assignment is one device rebinding in the batch payload.
type assignment struct {
	DeviceID   int64            `json:"device_id"`
	DeviceKind types.DeviceKind `json:"device_kind"`
	NewProxyID int64            `json:"new_proxy_id"`
}

// envelope is the structured response of the device-management API.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ReassignDevices rebinds the given devices to newProxyID in a single
// batch call. Transport failures and non-success envelopes are treated as
// failure for every device in the batch.
func (c *Client) ReassignDevices(ctx context.Context, devices []types.DeviceRef, newProxyID int64) Outcome {
	if len(devices) == 0 {
		return Outcome{AllSucceeded: true}
	}

	assignments := make([]assignment, len(devices))
	for i, d := range devices {
		assignments[i] = assignment{
			DeviceID:   d.ID,
			DeviceKind: d.Kind,
			NewProxyID: newProxyID,
		}
	}

	outcome := Outcome{DevicesTargeted: len(devices)}

	body, err := json.Marshal(map[string]any{"devices": assignments})
	if err != nil {
		outcome.ErrorMessage = "encoding request: " + err.Error()
		return outcome
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch/set-proxy", bytes.NewReader(body))
	if err != nil {
		outcome.ErrorMessage = "building request: " + err.Error()
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		outcome.ErrorMessage = "rate limit wait: " + err.Error()
		return outcome
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome.ErrorMessage = "device API request: " + err.Error()
		return outcome
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		outcome.ErrorMessage = "reading device API response: " + err.Error()
		return outcome
	}

	if resp.StatusCode != http.StatusOK {
		outcome.ErrorMessage = fmt.Sprintf("device API status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		return outcome
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		outcome.ErrorMessage = "decoding device API response: " + err.Error()
		return outcome
	}

	if env.Code != codeOK {
		outcome.ErrorMessage = fmt.Sprintf("device API code %d: %s", env.Code, env.Message)
		return outcome
	}

	c.logger.Info("devices reassigned",
		"count", len(devices),
		"new_proxy_id", newProxyID,
		"duration", time.Since(start))

	outcome.AllSucceeded = true
	return outcome
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
