package prober

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCurl writes a shell script that stands in for the curl binary and
// returns its path.
func fakeCurl(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "curl")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeFastSuccess(t *testing.T) {
	p := New(testLogger())
	p.CurlPath = fakeCurl(t, `echo "203.0.113.9"`)

	res := p.ProbeFast(context.Background(), types.ProxyRecord{IP: "10.0.0.1", Port: 1080})
	if !res.Available {
		t.Fatalf("expected available, got error %q", res.ErrorMessage)
	}
	if res.TestTarget != DefaultTestTargets[0] {
		t.Errorf("TestTarget = %q, want first default target", res.TestTarget)
	}
	if res.ResponseTimeMs < 0 {
		t.Errorf("ResponseTimeMs = %d", res.ResponseTimeMs)
	}
}

func TestProbeFastCurlFailure(t *testing.T) {
	p := New(testLogger())
	p.CurlPath = fakeCurl(t, `echo "curl: (7) Failed to connect" >&2; exit 7`)

	res := p.ProbeFast(context.Background(), types.ProxyRecord{IP: "10.0.0.1", Port: 1080})
	if res.Available {
		t.Fatal("expected unavailable")
	}
	if res.ErrorMessage != "curl: (7) Failed to connect" {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
}

func TestProbeFastEmptyBody(t *testing.T) {
	p := New(testLogger())
	p.CurlPath = fakeCurl(t, `exit 0`)

	res := p.ProbeFast(context.Background(), types.ProxyRecord{IP: "10.0.0.1", Port: 1080})
	if res.Available {
		t.Fatal("empty body must not count as reachable")
	}
}

func TestProbeFastTimeout(t *testing.T) {
	p := New(testLogger())
	p.CurlPath = fakeCurl(t, `sleep 5`)
	p.FastTimeout = 100 * time.Millisecond

	res := p.ProbeFast(context.Background(), types.ProxyRecord{IP: "10.0.0.1", Port: 1080})
	if res.Available {
		t.Fatal("expected timeout failure")
	}
	if res.ErrorMessage == "" {
		t.Error("expected timeout error message")
	}
}

func TestProbeThoroughStopsAtFirstSuccess(t *testing.T) {
	// The stub counts its invocations in a file and succeeds on the
	// second call.
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	script := `
count=$(cat ` + counter + ` 2>/dev/null || echo 0)
count=$((count + 1))
echo $count > ` + counter + `
if [ $count -ge 2 ]; then
  echo "203.0.113.9"
else
  echo "curl: (7) Failed to connect" >&2
  exit 7
fi
`
	p := New(testLogger())
	p.CurlPath = fakeCurl(t, script)

	res := p.ProbeThorough(context.Background(), types.ProxyRecord{IP: "10.0.0.1", Port: 1080})
	if !res.Available {
		t.Fatalf("expected available, got %q", res.ErrorMessage)
	}
	if res.TestTarget != DefaultTestTargets[1] {
		t.Errorf("TestTarget = %q, want second target", res.TestTarget)
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "2\n" {
		t.Errorf("curl invoked %s times, want 2", string(data))
	}
}

func TestProbeThoroughAllFail(t *testing.T) {
	p := New(testLogger())
	p.CurlPath = fakeCurl(t, `echo "curl: (7) Failed to connect" >&2; exit 7`)

	res := p.ProbeThorough(context.Background(), types.ProxyRecord{IP: "10.0.0.1", Port: 1080})
	if res.Available {
		t.Fatal("expected unavailable")
	}
	if res.TestTarget != DefaultTestTargets[2] {
		t.Errorf("TestTarget = %q, want last target", res.TestTarget)
	}
}

func TestProbeThoroughHonorsCancellation(t *testing.T) {
	p := New(testLogger())
	p.CurlPath = fakeCurl(t, `echo "curl: (7) Failed to connect" >&2; exit 7`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.ProbeThorough(ctx, types.ProxyRecord{IP: "10.0.0.1", Port: 1080})
	if res.Available {
		t.Fatal("expected unavailable under cancelled context")
	}
}

func TestLooksLikeAddress(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"203.0.113.9", true},
		{"2001:db8::1", true},
		{`{"ip":"203.0.113.9","country":"US"}`, true},
		{"", false},
		{"Access denied", false},
		{"your IP address", true},
	}

	for _, tt := range tests {
		if got := looksLikeAddress(tt.body); got != tt.want {
			t.Errorf("looksLikeAddress(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  curl: (28) timed out\nextra\n"); got != "curl: (28) timed out" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("\n\n"); got != "" {
		t.Errorf("firstLine on blank input = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 80); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), 80)
	if len(got) != 83 {
		t.Errorf("truncated length = %d, want 83", len(got))
	}
}
