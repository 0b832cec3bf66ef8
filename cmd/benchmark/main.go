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
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	country     string
	currency    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail422       uint64 // Routing or provider rejection
	fail503       uint64 // Liquidity gate or provider down
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | replay")
	flag.StringVar(&country, "country", "SN", "Destination country code")
	flag.StringVar(&currency, "currency", "XOF", "Payout currency")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 60 * time.Second}

	for n := 0; time.Since(start) < duration; n++ {
		key, amount := nextRequest(id, n)
		payload := map[string]interface{}{
			"target_user_id": fmt.Sprintf("bench-user-%d", id),
			"amount":         fmt.Sprintf("%d", amount),
			"currency":       currency,
			"destination": map[string]string{
				"phone_number": fmt.Sprintf("77%07d", id),
				"country_code": country,
			},
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/payouts", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		case 503:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// nextRequest returns the idempotency key and amount of a worker's n-th
// request. The replay workload cycles through a few keys per worker with a
// fixed payload so most requests are replays.
func nextRequest(worker, n int) (string, int) {
	if workload == "replay" {
		return fmt.Sprintf("bench-replay-%d-%d", worker, n%5), 1000
	}
	return fmt.Sprintf("bench-%d-%d-%d", worker, n, time.Now().UnixNano()), 500 + rand.Intn(20)*100
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f422 := atomic.LoadUint64(&fail422)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var gatedRate float64
	if total > 0 {
		gatedRate = float64(f503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"success_replay":  s200,
		"rejected":        f422,
		"gated":           f503,
		"gated_rate_pct":  gatedRate,
		"errors":          fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
