package stats

import (
	"sync"
	"testing"
)

func TestSnapshotZeroValue(t *testing.T) {
	c := New()
	snap := c.Snapshot()

	if snap.OnlineUsers != 0 {
		t.Errorf("expected OnlineUsers=0, got %d", snap.OnlineUsers)
	}
	if snap.Requests != 0 {
		t.Errorf("expected Requests=0, got %d", snap.Requests)
	}
	if snap.RequestsPerMinute != 0 {
		t.Errorf("expected RequestsPerMinute=0, got %d", snap.RequestsPerMinute)
	}
}

func TestSetOnlineUsers(t *testing.T) {
	type Test struct {
		Name     string
		Given    []int
		Expected int
	}

	testCases := []Test{
		{Name: "Single write", Given: []int{25}, Expected: 25},
		{Name: "Last write wins", Given: []int{25, 3, 40}, Expected: 40},
		{Name: "Negative clamps to zero", Given: []int{10, -5}, Expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			c := New()
			for _, n := range tc.Given {
				c.SetOnlineUsers(n)
			}

			if got := c.OnlineUsers(); got != tc.Expected {
				t.Errorf("OnlineUsers() = %d, want %d", got, tc.Expected)
			}
		})
	}
}

func TestSampleWindow(t *testing.T) {
	type Test struct {
		Name       string
		Increments []int // increments before each SampleWindow call
		Expected   []int
	}

	testCases := []Test{
		{
			Name:       "No traffic",
			Increments: []int{0, 0},
			Expected:   []int{0, 0},
		},
		{
			Name:       "Exact count per window",
			Increments: []int{7, 0, 45, 1},
			Expected:   []int{7, 0, 45, 1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			c := New()
			for i, n := range tc.Increments {
				for range n {
					c.IncrementRequest()
				}

				if got := c.SampleWindow(); got != tc.Expected[i] {
					t.Errorf("window %d: SampleWindow() = %d, want %d", i, got, tc.Expected[i])
				}
			}
		})
	}
}

func TestSampleWindowClampsNegative(t *testing.T) {
	c := New()
	c.previousWindow.Store(50)
	c.requestCount.Store(10)

	if got := c.SampleWindow(); got != 0 {
		t.Errorf("SampleWindow() = %d, want 0", got)
	}

	// the marker follows the counter, so the next window is exact again
	c.IncrementRequest()
	if got := c.SampleWindow(); got != 1 {
		t.Errorf("SampleWindow() = %d, want 1", got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	c := New()

	const goroutines = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			c.IncrementRequest()
		}()
	}

	wg.Wait()

	if got := c.SampleWindow(); got != goroutines {
		t.Errorf("SampleWindow() = %d, want %d", got, goroutines)
	}
}

func TestConcurrentSamplersNeverDoubleCount(t *testing.T) {
	c := New()

	const (
		writers    = 50
		increments = 1000
		samplers   = 4
	)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		stop  = make(chan struct{})
	)

	var samplerWg sync.WaitGroup
	samplerWg.Add(samplers)
	for range samplers {
		go func() {
			defer samplerWg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				d := c.SampleWindow()
				mu.Lock()
				total += d
				mu.Unlock()
			}
		}()
	}

	wg.Add(writers)
	for range writers {
		go func() {
			defer wg.Done()
			for range increments {
				c.IncrementRequest()
			}
		}()
	}

	wg.Wait()
	close(stop)
	samplerWg.Wait()

	total += c.SampleWindow()

	if want := writers * increments; total != want {
		t.Errorf("sum of windows = %d, want %d", total, want)
	}
}

func TestRequestsPerMinute(t *testing.T) {
	c := New()
	c.SetRequestsPerMinute(45)

	if got := c.RequestsPerMinute(); got != 45 {
		t.Errorf("RequestsPerMinute() = %d, want 45", got)
	}

	c.SetRequestsPerMinute(-1)
	if got := c.RequestsPerMinute(); got != 0 {
		t.Errorf("RequestsPerMinute() = %d, want 0", got)
	}
}
