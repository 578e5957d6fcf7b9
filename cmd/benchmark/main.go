package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/punchamoorthee/refundops/internal/logging"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	replayRatio float64
	process     bool
	admin       string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "treasury", "Workload type: treasury | hybrid | mixed")
	flag.Float64Var(&replayRatio, "replay", 0.1, "Share of requests that resend an earlier Idempotency-Key")
	flag.BoolVar(&process, "process", true, "Run the treasury batch once the load phase ends")
	flag.StringVar(&admin, "admin", os.Getenv("REFUNDOPS_ADMIN"), "Administrator principal sent with the treasury batch")
}

func main() {
	flag.Parse()
	logging.Configure(logging.Config{Service: "refundops-benchmark"})
	log.Logger = logging.WithComponent("benchmark")
	log.Info().
		Str("workload", workload).
		Int("workers", concurrency).
		Dur("duration", duration).
		Msg("starting benchmark")

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	elapsed := time.Since(start)

	var batch map[string]any
	if process {
		batch = runBatch()
	}
	printResults(elapsed, batch)
}

// sent remembers the body behind each key so a replay resends the same payload.
type sent struct {
	key  string
	body []byte
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	var history []sent

	for time.Since(start) < duration {
		var s sent
		if len(history) > 0 && rand.Float64() < replayRatio {
			s = history[rand.Intn(len(history))]
		} else {
			body, _ := json.Marshal(generateRefund())
			s = sent{key: "bench-" + uuid.NewString(), body: body}
			history = append(history, s)
		}

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/refunds", bytes.NewReader(s.body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", s.key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func generateRefund() map[string]any {
	amount := int64(100 + rand.Intn(900))
	kind := workload
	if kind == "mixed" {
		if rand.Float32() < 0.5 {
			kind = "treasury"
		} else {
			kind = "hybrid"
		}
	}

	source := map[string]any{"kind": "treasury", "requires_approval": false}
	if kind == "hybrid" {
		user := amount / 4
		source = map[string]any{"kind": "hybrid", "user_portion": user, "treasury_portion": amount - user}
	}
	return map[string]any{
		"origin_id":     uuid.NewString(),
		"origin_type":   "payment",
		"requested_by":  fmt.Sprintf("user-%d", rand.Intn(100)),
		"amount":        amount,
		"refund_source": source,
		"reason":        "benchmark",
	}
}

// runBatch approves the eligible requests and settles them in one call.
func runBatch() map[string]any {
	client := &http.Client{Timeout: 5 * time.Minute}
	start := time.Now()
	req, err := http.NewRequest(http.MethodPost, targetURL+"/api/v1/treasury/auto-process", nil)
	if err != nil {
		log.Error().Err(err).Msg("batch request failed")
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Principal", admin)
	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("batch request failed")
		return nil
	}
	defer resp.Body.Close()

	var out struct {
		AutoApproved []int64 `json:"auto_approved"`
		Succeeded    int     `json:"succeeded"`
		Failed       int     `json:"failed"`
		Retried      int     `json:"retried"`
		Skipped      int     `json:"skipped"`
	}
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("admin", admin).Msg("batch refused")
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Error().Err(err).Int("status", resp.StatusCode).Msg("batch response unreadable")
		return nil
	}
	return map[string]any{
		"batch_sec":     time.Since(start).Seconds(),
		"auto_approved": len(out.AutoApproved),
		"succeeded":     out.Succeeded,
		"failed":        out.Failed,
		"retried":       out.Retried,
		"skipped":       out.Skipped,
	}
}

func printResults(d time.Duration, batch map[string]any) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_replay":    s200,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}
	if batch != nil {
		results["batch"] = batch
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Error().Err(err).Str("file", filename).Msg("unable to save results")
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
