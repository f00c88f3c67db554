// loadtest drives the producer surface of a running control plane and
// reports how admission behaves as load rises: accepted vs shed vs pushed
// back, plus the load-signal headers the server advertises along the way.
//
// Usage:
//
//	loadtest -url http://localhost:8080 -rate 500 -duration 60s -workers 8
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

type options struct {
	baseURL   string
	rate      int
	duration  time.Duration
	workers   int
	batchSize int
	adaptive  bool
}

type counters struct {
	sent      atomic.Uint64
	accepted  atomic.Uint64
	shed      atomic.Uint64 // 202 with a dropReason
	throttled atomic.Uint64 // 429
	rejected  atomic.Uint64 // 503
	failed    atomic.Uint64 // transport errors and unexpected statuses
}

// loadSignal is the last observed set of X-System-Load-* headers.
type loadSignal struct {
	mu    sync.Mutex
	level string
	score string
	act   string
}

func (s *loadSignal) update(h http.Header) {
	level := h.Get("X-System-Load-Level")
	if level == "" {
		return
	}
	s.mu.Lock()
	s.level = level
	s.score = h.Get("X-System-Load-Score")
	s.act = h.Get("X-Recommended-Action")
	s.mu.Unlock()
}

func (s *loadSignal) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.level == "" {
		return "n/a"
	}
	return fmt.Sprintf("%s score=%s action=%s", s.level, s.score, s.act)
}

var (
	modelNames  = []string{"aurora", "blaze", "casper", "delta", "ember", "flora"}
	metricNames = []string{"likes", "comments", "reach", "impressions", "revenue_cents"}
	priorities  = []string{"low", "medium", "medium", "high", "critical"}
	platforms   = []string{"instagram", "tiktok", "reddit"}
)

func main() {
	opts := options{}
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "control plane base URL")
	flag.IntVar(&opts.rate, "rate", 100, "target events per second across all workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	flag.IntVar(&opts.workers, "workers", 4, "concurrent senders")
	flag.IntVar(&opts.batchSize, "batch", 1, "events per request (>1 uses /metrics/batch)")
	flag.BoolVar(&opts.adaptive, "adaptive", true, "honor X-Suggested-Rate-Limit")
	flag.Parse()

	logger := log.New(os.Stdout, "[LOADTEST] ", log.LstdFlags)
	logger.Printf("target=%s rate=%d/s duration=%s workers=%d batch=%d",
		opts.baseURL, opts.rate, opts.duration, opts.workers, opts.batchSize)

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := &http.Client{Timeout: 10 * time.Second}
	stats := &counters{}
	observed := &loadSignal{}
	var latMu sync.Mutex
	var latencies []time.Duration

	// Token bucket shared by all workers; adaptive mode shrinks the refill
	// rate when the server suggests a lower one.
	var targetRate atomic.Int64
	targetRate.Store(int64(opts.rate))
	tokens := make(chan struct{}, opts.rate)
	go func() {
		for {
			interval := time.Second / time.Duration(targetRate.Load())
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				select {
				case tokens <- struct{}{}:
				default:
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-ctx.Done():
					return
				case <-tokens:
				}

				start := time.Now()
				status, header, err := sendOnce(ctx, client, opts, rng)
				elapsed := time.Since(start)

				latMu.Lock()
				latencies = append(latencies, elapsed)
				latMu.Unlock()

				stats.sent.Add(uint64(opts.batchSize))
				if err != nil {
					stats.failed.Add(1)
					continue
				}
				observed.update(header)
				classify(stats, status)

				if opts.adaptive {
					adapt(&targetRate, header, opts.rate)
				}
			}
		}(time.Now().UnixNano() + int64(w))
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Printf("sent=%d accepted=%d shed=%d throttled=%d rejected=%d failed=%d load=[%s] rate=%d/s",
					stats.sent.Load(), stats.accepted.Load(), stats.shed.Load(),
					stats.throttled.Load(), stats.rejected.Load(), stats.failed.Load(),
					observed, targetRate.Load())
			}
		}
	}()

	wg.Wait()

	logger.Println("============================================")
	logger.Printf("sent:      %d", stats.sent.Load())
	logger.Printf("accepted:  %d", stats.accepted.Load())
	logger.Printf("shed:      %d (202 with dropReason)", stats.shed.Load())
	logger.Printf("throttled: %d (429)", stats.throttled.Load())
	logger.Printf("rejected:  %d (503)", stats.rejected.Load())
	logger.Printf("failed:    %d", stats.failed.Load())
	logger.Printf("last load signal: %s", observed)

	latMu.Lock()
	defer latMu.Unlock()
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		pct := func(p float64) time.Duration {
			return latencies[int(float64(len(latencies)-1)*p)]
		}
		logger.Printf("latency p50=%s p95=%s p99=%s max=%s",
			pct(0.50), pct(0.95), pct(0.99), latencies[len(latencies)-1])
	}
}

// sendOnce posts one event or one batch and returns the status plus headers.
// A 202 whose body carries a dropReason is reported with a -1 sentinel so
// the caller can count shed work separately from real acceptance.
func sendOnce(ctx context.Context, client *http.Client, opts options, rng *rand.Rand) (int, http.Header, error) {
	path := "/metrics"
	var payload interface{}
	if opts.batchSize > 1 {
		path = "/metrics/batch"
		batch := make([]map[string]interface{}, opts.batchSize)
		for i := range batch {
			batch[i] = randomEvent(rng)
		}
		payload = map[string]interface{}{"metrics": batch}
	} else {
		payload = randomEvent(rng)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		DropReason string `json:"dropReason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	if decoded.DropReason != "" && resp.StatusCode == http.StatusAccepted {
		return -1, resp.Header, nil
	}
	return resp.StatusCode, resp.Header, nil
}

func classify(stats *counters, status int) {
	switch status {
	case -1:
		stats.shed.Add(1)
	case http.StatusAccepted:
		stats.accepted.Add(1)
	case http.StatusTooManyRequests:
		stats.throttled.Add(1)
	case http.StatusServiceUnavailable:
		stats.rejected.Add(1)
	default:
		stats.failed.Add(1)
	}
}

// adapt follows the server's suggested rate, recovering 10% per observation
// toward the configured target once the pressure eases.
func adapt(target *atomic.Int64, header http.Header, configured int) {
	cur := target.Load()
	if suggested := header.Get("X-Suggested-Rate-Limit"); suggested != "" {
		var n int64
		fmt.Sscanf(suggested, "%d", &n)
		if n > 0 && n < cur {
			target.Store(n)
			return
		}
	}
	if cur < int64(configured) {
		next := cur + cur/10 + 1
		if next > int64(configured) {
			next = int64(configured)
		}
		target.Store(next)
	}
}

func randomEvent(rng *rand.Rand) map[string]interface{} {
	return map[string]interface{}{
		"id":         uuid.NewString(),
		"modelName":  modelNames[rng.Intn(len(modelNames))],
		"metricName": metricNames[rng.Intn(len(metricNames))],
		"value":      float64(rng.Intn(10000)),
		"valueKind":  "count",
		"platform":   platforms[rng.Intn(len(platforms))],
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"source":     "loadtest",
		"priority":   priorities[rng.Intn(len(priorities))],
	}
}
