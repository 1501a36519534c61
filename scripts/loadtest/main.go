// Loadtest sends concurrent requests through the proxy and reports
// throughput, latency percentiles and how the requests were spread over
// the backends (read from the X-Backend-Server response header).
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/ -host www.example.com -concurrency 10 -requests 1000
//	go run ./scripts/loadtest -url http://localhost:8080/srv2/ -concurrency 50 -requests 5000 -out summary.json
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type backendStats struct {
	Count     int             `json:"count"`
	Success   int             `json:"success"`
	Failure   int             `json:"failure"`
	Latencies []time.Duration `json:"-"`
}

type result struct {
	mutex       sync.Mutex
	success     int
	failure     int
	statusCodes map[int]int
	backends    map[string]*backendStats
	latencies   []time.Duration
}

func (r *result) record(backend string, status int, dur time.Duration, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.latencies = append(r.latencies, dur)
	ok := err == nil && status >= 200 && status <= 299
	if ok {
		r.success++
	} else {
		r.failure++
	}
	if err != nil {
		return
	}
	r.statusCodes[status]++

	if backend == "" {
		backend = "(proxy)"
	}
	bs, found := r.backends[backend]
	if !found {
		bs = &backendStats{}
		r.backends[backend] = bs
	}
	bs.Count++
	if ok {
		bs.Success++
	} else {
		bs.Failure++
	}
	bs.Latencies = append(bs.Latencies, dur)
}

func percentiles(latencies []time.Duration) (p50, p90, p95, p99 time.Duration) {
	if len(latencies) == 0 {
		return
	}
	tmp := make([]time.Duration, len(latencies))
	copy(tmp, latencies)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	pick := func(p float64) time.Duration { return tmp[int(float64(len(tmp)-1)*p)] }
	return pick(0.50), pick(0.90), pick(0.95), pick(0.99)
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/", "Target URL")
		host        = flag.String("host", "", "Host header to send (routes the request)")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		method      = flag.String("method", "GET", "HTTP method")
		body        = flag.String("body", "", "Request body")
		timeoutSec  = flag.Int("timeout", 10, "Per-request timeout in seconds")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
	)
	flag.Parse()

	client := &http.Client{Timeout: time.Duration(*timeoutSec) * time.Second}
	res := &result{
		statusCodes: make(map[int]int),
		backends:    make(map[string]*backendStats),
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*concurrency)

	testStart := time.Now()
	for i := 0; i < *requests; i++ {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, *method, *url, bytes.NewBufferString(*body))
			if err != nil {
				return err
			}
			if *host != "" {
				req.Host = *host
			}

			start := time.Now()
			resp, err := client.Do(req)
			dur := time.Since(start)
			if err != nil {
				res.record("", 0, dur, err)
				return nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			res.record(resp.Header.Get("X-Backend-Server"), resp.StatusCode, dur, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "load test aborted: %v\n", err)
		os.Exit(1)
	}
	totalDuration := time.Since(testStart)
	throughput := float64(*requests) / totalDuration.Seconds()

	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s  Host: %q\n", *url, *host)
	fmt.Printf("Requests: %d  Concurrency: %d\n", *requests, *concurrency)
	fmt.Printf("Success: %d  Failure: %d\n", res.success, res.failure)
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", totalDuration, throughput)

	fmt.Println("\nStatus codes:")
	var codes []int
	for k := range res.statusCodes {
		codes = append(codes, k)
	}
	sort.Ints(codes)
	for _, k := range codes {
		fmt.Printf("  %d -> %d\n", k, res.statusCodes[k])
	}

	fmt.Println("\nBackend distribution:")
	var names []string
	for k := range res.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		bs := res.backends[k]
		p50, p90, p95, p99 := percentiles(bs.Latencies)
		fmt.Printf("  %s -> total=%d success=%d failure=%d p50=%v p90=%v p95=%v p99=%v\n",
			k, bs.Count, bs.Success, bs.Failure, p50, p90, p95, p99)
	}

	p50, p90, p95, p99 := percentiles(res.latencies)
	fmt.Printf("\nOverall latencies: samples=%d p50=%v p90=%v p95=%v p99=%v\n", len(res.latencies), p50, p90, p95, p99)

	if *outJSON != "" {
		report := map[string]any{
			"target":         *url,
			"host":           *host,
			"requests":       *requests,
			"concurrency":    *concurrency,
			"success":        res.success,
			"failure":        res.failure,
			"status_codes":   res.statusCodes,
			"backends":       res.backends,
			"duration_ms":    totalDuration.Milliseconds(),
			"throughput_rps": throughput,
		}
		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if res.failure > 0 {
		os.Exit(2)
	}
}
