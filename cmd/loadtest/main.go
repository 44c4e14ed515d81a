// Command loadtest drives the alert pipeline in-process with memory-backed
// stores: no network, no database, just the engine's gate sequence under
// concurrent triggers. Useful for sizing the dedup serialization and store
// paths before touching deployment knobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/metrics"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	NumEvents      int
	Concurrency    int
	Owners         int
	GroupsPerOwner int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics. Delivered and suppressed are derived
// after the run: the engine records outcomes in its stores, not in return
// values.
type LoadTestStats struct {
	TotalTriggers       uint64
	Delivered           uint64
	Suppressed          uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	numEvents := flag.Int("events", 5000, "Number of alert triggers to fire")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	owners := flag.Int("owners", 20, "Number of distinct owners in the workload")
	groups := flag.Int("groups", 10, "Number of distinct groups per owner")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		NumEvents:      *numEvents,
		Concurrency:    *concurrency,
		Owners:         *owners,
		GroupsPerOwner: *groups,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting alert pipeline load test")
	slog.Info("Workload", "events", config.NumEvents, "concurrency", config.Concurrency,
		"owners", config.Owners, "groups_per_owner", config.GroupsPerOwner)
	stats := runLoadTest(config)

	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	stores := alerting.NewMemoryStores()
	engine := alerting.NewEngine(stores, nil, metrics.NewMetricsWith(prometheus.NewRegistry()))

	stats := &LoadTestStats{
		MinLatency: time.Hour,
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	eventChan := make(chan int, config.NumEvents)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for eventID := range eventChan {
				fireTrigger(ctx, engine, config, eventID, stats, &latencies, &latenciesMu)
			}
		}()
	}

	for i := 0; i < config.NumEvents; i++ {
		eventChan <- i
	}
	close(eventChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalTriggers) / totalDuration.Seconds()

	// The default rule cools each dedup key down for an hour after its
	// first delivery, so repeat triggers on a key are suppressed. Count
	// deliveries from the notification store and attribute the rest.
	for o := 0; o < config.Owners; o++ {
		notifs, err := engine.Notifications(ctx, ownerID(o), false, config.NumEvents)
		if err != nil {
			slog.Error("Counting notifications failed", "owner", ownerID(o), "error", err)
			continue
		}
		stats.Delivered += uint64(len(notifs))
	}
	stats.Suppressed = stats.TotalTriggers - stats.Delivered

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// fireTrigger sends one event through the full gate sequence and records
// its latency. Events rotate through owner/group pairs so a fraction of
// the workload collides on dedup keys the way production bursts do.
func fireTrigger(
	ctx context.Context,
	engine *alerting.Engine,
	config LoadTestConfig,
	eventID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	owner := ownerID(eventID % config.Owners)
	group := fmt.Sprintf("group-%d", (eventID/config.Owners)%config.GroupsPerOwner)

	start := time.Now()
	engine.Trigger(ctx, alerting.TriggerInput{
		EventType: "resource.call.blocked",
		OwnerID:   owner,
		GroupID:   group,
		Title:     "Outbound call blocked",
		Message:   fmt.Sprintf("Synthetic event %d", eventID),
	})
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalTriggers, 1)

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func ownerID(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalTriggers)
			slog.Info("Progress", "triggers", total,
				"min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Triggers:         %d\n", stats.TotalTriggers)
	fmt.Printf("Delivered:              %d (%.2f%%)\n",
		stats.Delivered,
		float64(stats.Delivered)/float64(stats.TotalTriggers)*100)
	fmt.Printf("Suppressed:             %d (%.2f%%)\n",
		stats.Suppressed,
		float64(stats.Suppressed)/float64(stats.TotalTriggers)*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f triggers/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 1000 {
		fmt.Println("✅ PASS: Throughput meets target (>1000 triggers/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<1000 triggers/sec)")
	}

	if stats.P95Latency < 50*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<50ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>50ms)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
