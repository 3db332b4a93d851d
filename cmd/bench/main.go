package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrquorum/internal/logging"
	"github.com/ryandielhenn/zephyrquorum/pkg/node"
)

type stats struct {
	mu       sync.Mutex
	statuses map[int]int
	partial  map[string]int // replica -> writes it missed
	errors   int
	latency  []time.Duration
}

func (s *stats) record(resp *http.Response, err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = append(s.latency, d)
	if err != nil {
		s.errors++
		return
	}
	s.statuses[resp.StatusCode]++
	if resp.StatusCode == http.StatusAccepted {
		s.partial[resp.Header.Get(node.HeaderMissing)]++
	}
}

func (s *stats) percentile(p float64) time.Duration {
	if len(s.latency) == 0 {
		return 0
	}
	sort.Slice(s.latency, func(i, j int) bool { return s.latency[i] < s.latency[j] })
	return s.latency[int(p*float64(len(s.latency)-1))]
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "value size bytes")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logging.New(*level, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)
	writes := &stats{statuses: map[int]int{}, partial: map[string]int{}}

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			key := fmt.Sprintf("k%d", i)
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)

			t0 := time.Now()
			resp, err := client.Post(*addr+"/kv/"+key, "application/octet-stream", bytes.NewReader(payload))
			writes.record(resp, err, time.Since(t0))
			if err != nil {
				log.Debug("put failed", zap.String("key", key), zap.Error(err))
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			resp, err = client.Get(*addr + "/kv/" + key)
			if err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)

	log.Info("bench complete",
		zap.Int("ops", *n*2),
		zap.Duration("elapsed", dur),
		zap.Float64("ops_per_sec", float64(*n*2)/dur.Seconds()),
		zap.Int("fully_replicated", writes.statuses[http.StatusNoContent]),
		zap.Int("partially_replicated", writes.statuses[http.StatusAccepted]),
		zap.Int("transport_errors", writes.errors),
		zap.Duration("put_p50", writes.percentile(0.50)),
		zap.Duration("put_p99", writes.percentile(0.99)),
	)
	for missing, count := range writes.partial {
		log.Info("writes missing replicas", zap.String("missing", missing), zap.Int("count", count))
	}
	for code, count := range writes.statuses {
		if code != http.StatusNoContent && code != http.StatusAccepted {
			log.Warn("unexpected put status", zap.Int("status", code), zap.Int("count", count))
		}
	}
}
