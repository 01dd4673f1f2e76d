package scanner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HsiaoL1/monitor-sub000/internal/prober"
	"github.com/HsiaoL1/monitor-sub000/internal/status"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockProber marks even proxy IDs available and tracks peak concurrency.
type mockProber struct {
	delay time.Duration

	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

func (m *mockProber) ProbeFast(ctx context.Context, proxy types.ProxyRecord) prober.Result {
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if cur <= p || m.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	m.calls.Add(1)

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if proxy.ID%2 == 0 {
		return prober.Result{Available: true, ResponseTimeMs: 5}
	}
	return prober.Result{ErrorMessage: "connection refused"}
}

func fleet(n int) []types.ProxyRecord {
	proxies := make([]types.ProxyRecord, n)
	for i := range proxies {
		proxies[i] = types.ProxyRecord{ID: int64(i + 1), IP: "10.0.0.1", Port: 1080 + i}
	}
	return proxies
}

func TestScanCounts(t *testing.T) {
	cache := status.NewCache()
	s := New(&mockProber{}, cache, testLogger())

	summary := s.Scan(context.Background(), fleet(10), nil, 4, nil)

	if summary.Total != 10 {
		t.Errorf("Total = %d, want 10", summary.Total)
	}
	// Odd IDs 1,3,5,7,9 fail
	if summary.Unavailable != 5 {
		t.Errorf("Unavailable = %d, want 5", summary.Unavailable)
	}
	if len(summary.Results) != 10 {
		t.Errorf("len(Results) = %d, want 10", len(summary.Results))
	}
}

func TestScanPublishesSnapshotOnce(t *testing.T) {
	cache := status.NewCache()
	s := New(&mockProber{}, cache, testLogger())

	before, _ := cache.Read()
	if before != nil {
		t.Fatal("cache must start empty")
	}

	s.Scan(context.Background(), fleet(6), nil, 2, nil)

	snap, fresh := cache.Read()
	if snap == nil {
		t.Fatal("expected a published snapshot")
	}
	if !fresh {
		t.Error("expected fresh snapshot")
	}
	if len(snap.Results) != 6 {
		t.Errorf("snapshot covers %d proxies, want 6", len(snap.Results))
	}
}

func TestScanRespectsConcurrencyLimit(t *testing.T) {
	p := &mockProber{delay: 10 * time.Millisecond}
	s := New(p, status.NewCache(), testLogger())

	s.Scan(context.Background(), fleet(20), nil, 3, nil)

	if peak := p.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, limit 3", peak)
	}
	if calls := p.calls.Load(); calls != 20 {
		t.Errorf("probe calls = %d, want 20", calls)
	}
}

func TestScanAnnotatesDevices(t *testing.T) {
	devices := map[int64][]types.DeviceRef{
		2: {
			{ID: 100, Kind: types.DeviceKindHardware, ProxyID: 2},
			{ID: 101, Kind: types.DeviceKindCloud, ProxyID: 2},
		},
	}
	s := New(&mockProber{}, status.NewCache(), testLogger())

	summary := s.Scan(context.Background(), fleet(3), devices, 2, nil)

	for _, r := range summary.Results {
		want := 0
		if r.Proxy.ID == 2 {
			want = 2
		}
		if r.DeviceCount != want {
			t.Errorf("proxy %d DeviceCount = %d, want %d", r.Proxy.ID, r.DeviceCount, want)
		}
	}
}

func TestScanProgressReachesTotal(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	s := New(&mockProber{}, status.NewCache(), testLogger())
	s.Scan(context.Background(), fleet(5), nil, 2, func(completed, total int) {
		mu.Lock()
		seen = append(seen, completed)
		mu.Unlock()
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("progress callback fired %d times, want 5", len(seen))
	}
	max := 0
	for _, c := range seen {
		if c > max {
			max = c
		}
	}
	if max != 5 {
		t.Errorf("max completed = %d, want 5", max)
	}
}

func TestScanCancelledCoversFleet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(&mockProber{}, status.NewCache(), testLogger())
	summary := s.Scan(ctx, fleet(4), nil, 1, nil)

	if len(summary.Results) != 4 {
		t.Fatalf("cancelled scan covered %d proxies, want 4", len(summary.Results))
	}
}

func TestScanEmptyFleet(t *testing.T) {
	cache := status.NewCache()
	s := New(&mockProber{}, cache, testLogger())

	summary := s.Scan(context.Background(), nil, nil, 2, nil)
	if summary.Total != 0 || summary.Unavailable != 0 {
		t.Errorf("empty scan summary = %+v", summary)
	}

	// Even an empty scan publishes the (empty) snapshot.
	snap, _ := cache.Read()
	if snap == nil {
		t.Error("expected an empty snapshot to be published")
	}
}
