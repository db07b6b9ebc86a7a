package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL     string
	internalToken string
	concurrency   int
	duration      time.Duration
	workload      string
)

// Metrics
var (
	totalRequests uint64
	applied201    uint64 // New ledger entries
	replayed200   uint64 // Idempotent replays
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&internalToken, "token", os.Getenv("INTERNAL_TOKEN"), "Internal service token")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | retry")
}

func main() {
	flag.Parse()
	if internalToken == "" {
		log.Fatal("internal token required (-token or INTERNAL_TOKEN)")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	rng := rand.New(rand.NewSource(int64(id) + start.UnixNano()))

	seq := 0
	for time.Since(start) < duration {
		seq++
		userID := rng.Intn(1000) + 1

		// The retry workload hammers a small key space so most requests
		// collapse into idempotent replays; unique generates fresh events.
		var key string
		if workload == "retry" {
			key = fmt.Sprintf("bench-hot-%d", rng.Intn(50))
		} else {
			key = fmt.Sprintf("bench-%d-%d", id, seq)
		}

		body, _ := json.Marshal(map[string]interface{}{
			"user_id":         userID,
			"delta_coins":     rng.Intn(500) + 1,
			"source":          "admin",
			"idempotency_key": key,
		})

		req, err := http.NewRequest("POST", targetURL+"/api/v1/credits", bytes.NewReader(body))
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Token", internalToken)

		resp, err := client.Do(req)
		atomic.AddUint64(&totalRequests, 1)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&applied201, 1)
		case http.StatusOK:
			atomic.AddUint64(&replayed200, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func printResults(elapsed time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	log.Println("--- Benchmark Results ---")
	log.Printf("Duration:       %s", elapsed.Round(time.Millisecond))
	log.Printf("Total Requests: %d (%.0f req/s)", total, float64(total)/elapsed.Seconds())
	log.Printf("Applied (201):  %d", atomic.LoadUint64(&applied201))
	log.Printf("Replayed (200): %d", atomic.LoadUint64(&replayed200))
	log.Printf("Failures:       %d", atomic.LoadUint64(&failOther))
}
