// Atrium E2E Load Benchmark
//
// This benchmark is designed to answer the questions we actually care about in
// production:
// - What is the p50/p95/p99 envelope roundtrip latency under concurrent load?
// - How much allocation + GC work does that load generate?
//
// It runs the real Atrium WebSocket server and drives N concurrent WebSocket
// clients that send real envelopes and wait for the corresponding reply.
//
// Two modes:
//   - ping: system.ping → system.pong, correlated by ref_event_id. Measures the
//     bare dispatch loop: decode → handler → encode → write.
//   - edit: document.edit → stamped echo, correlated by a token in the change
//     payload. Adds the document session pipeline and room fan-out.
//
// It measures:
// client send → kernel → server decode → dispatch → handler → WS write → client read/decode
//
// Run:
//   cd benchmark/e2e_load
//   go run . -clients=200 -duration=30s -rps=5 -mode=edit
//
// Aim it at a running atriumd instead of the embedded server:
//   go run . -target=ws://127.0.0.1:8089/ws
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium"
	"github.com/atriumhq/atrium/pkg/document"
	"github.com/atriumhq/atrium/pkg/protocol"
)

const (
	modePing = "ping"
	modeEdit = "edit"
)

func main() {
	var (
		clients      = flag.Int("clients", 100, "number of concurrent websocket clients")
		duration     = flag.Duration("duration", 15*time.Second, "how long to run the load test")
		rps          = flag.Float64("rps", 2, "target envelopes/sec per client (best-effort, response-gated)")
		mode         = flag.String("mode", modePing, "roundtrip mode: ping or edit")
		payloadBytes = flag.Int("payload-bytes", 24, "bytes of token payload per envelope")
		target       = flag.String("target", "", "external ws URL (e.g. ws://127.0.0.1:8089/ws); empty runs an embedded server")
	)
	flag.Parse()

	if *clients <= 0 {
		log.Fatal("-clients must be > 0")
	}
	if *duration <= 0 {
		log.Fatal("-duration must be > 0")
	}
	if *rps <= 0 {
		log.Fatal("-rps must be > 0")
	}
	if *payloadBytes < 0 {
		log.Fatal("-payload-bytes must be >= 0")
	}
	if *mode != modePing && *mode != modeEdit {
		log.Fatalf("-mode must be %q or %q", modePing, modeEdit)
	}

	// Reduce incidental variability a bit.
	debug.SetGCPercent(100)

	baseURL := strings.TrimSuffix(*target, "/")
	if baseURL == "" {
		quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		app, err := atrium.New(atrium.Config{Logger: quiet})
		if err != nil {
			log.Fatalf("app: %v", err)
		}

		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
		httpServer := &http.Server{Handler: app.Handler()}
		go func() {
			_ = httpServer.Serve(ln)
		}()
		defer func() {
			_ = app.Shutdown(context.Background())
			_ = httpServer.Shutdown(context.Background())
		}()

		baseURL = "ws://" + ln.Addr().String() + "/ws"
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	samplesCh := make(chan time.Duration, 1024)
	var samples []time.Duration
	var samplesMu sync.Mutex
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samplesMu.Lock()
			samples = append(samples, rtt)
			samplesMu.Unlock()
		}
	}()

	var (
		totalEvents atomic.Uint64
		totalErrors atomic.Uint64
	)

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	var wg sync.WaitGroup
	wg.Add(*clients)
	for i := 0; i < *clients; i++ {
		clientID := i
		go func() {
			defer wg.Done()
			if err := runClient(ctx, baseURL, clientID, *mode, *rps, *payloadBytes, samplesCh, &totalEvents, &totalErrors); err != nil {
				totalErrors.Add(1)
			}
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	samplesMu.Lock()
	latencies := append([]time.Duration(nil), samples...)
	samplesMu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	total := totalEvents.Load()
	errs := totalErrors.Load()
	runSeconds := math.Max(0.001, (*duration).Seconds())

	fmt.Println("=== Atrium E2E Load Benchmark ===")
	fmt.Printf("Clients: %d\n", *clients)
	fmt.Printf("Duration: %s\n", (*duration).String())
	fmt.Printf("Mode: %s\n", *mode)
	fmt.Printf("Target per-client rate: %.2f envelopes/s\n", *rps)
	fmt.Printf("Payload bytes: %d\n", *payloadBytes)
	fmt.Printf("Total roundtrips: %d\n", total)
	fmt.Printf("Errors: %d\n", errs)
	fmt.Printf("Throughput: %.1f roundtrips/s\n", float64(total)/runSeconds)
	fmt.Println()

	if len(latencies) == 0 {
		fmt.Println("No latency samples recorded.")
	} else {
		fmt.Println("RTT (client send → server → client receive+decode):")
		fmt.Printf("  min: %s\n", latencies[0])
		fmt.Printf("  p50: %s\n", percentile(latencies, 0.50))
		fmt.Printf("  p95: %s\n", percentile(latencies, 0.95))
		fmt.Printf("  p99: %s\n", percentile(latencies, 0.99))
		fmt.Printf("  max: %s\n", latencies[len(latencies)-1])
	}
	fmt.Println()

	fmt.Println("Go runtime / GC (process-wide):")
	fmt.Printf("  alloc:     %.2f MB\n", float64(after.TotalAlloc-before.TotalAlloc)/(1024*1024))
	fmt.Printf("  heap_live: %.2f MB\n", float64(after.HeapAlloc)/(1024*1024))
	fmt.Printf("  num_gc:    %d\n", after.NumGC-before.NumGC)
	fmt.Printf("  gc_pause:  %s (total)\n", time.Duration(after.PauseTotalNs-before.PauseTotalNs))
	fmt.Printf("  gc_pause:  %s (avg)\n", avgPause(after, before))
	fmt.Printf("  gc_cpu:    %.2f%%\n", 100*cpuFraction(afterMetrics, beforeMetrics))
	fmt.Printf("  allocs:    %.2f M objects\n", float64(afterMetrics.heapAllocsObjects-beforeMetrics.heapAllocsObjects)/1_000_000)
}

func avgPause(after, before runtime.MemStats) time.Duration {
	gcCount := after.NumGC - before.NumGC
	if gcCount == 0 {
		return 0
	}
	return time.Duration((after.PauseTotalNs - before.PauseTotalNs) / uint64(gcCount))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds float64
	cpuGCSeconds    float64

	heapAllocsBytes   uint64
	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:bytes"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:bytes":
			out.heapAllocsBytes = s.Value.Uint64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if gc < 0 {
		return 0
	}
	return gc / total
}

func runClient(
	ctx context.Context,
	baseURL string,
	clientID int,
	mode string,
	rps float64,
	payloadBytes int,
	samples chan<- time.Duration,
	totalEvents *atomic.Uint64,
	totalErrors *atomic.Uint64,
) error {
	url := fmt.Sprintf("%s?user_id=bench-%d", baseURL, clientID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// The welcome envelope confirms registration.
	env, err := readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("welcome read: %w", err)
	}
	if env.EventType != protocol.EventConnect {
		return fmt.Errorf("welcome: expected %s, got %s", protocol.EventConnect, env.EventType)
	}

	// Each client edits its own document so roundtrips stay independent;
	// fan-out cost scales with participants, not with -clients.
	docID := fmt.Sprintf("bench-%d", clientID)
	if mode == modeEdit {
		open, err := protocol.New(protocol.EventDocOpen, protocol.OpenData{DocumentID: docID})
		if err != nil {
			return fmt.Errorf("open envelope: %w", err)
		}
		if err := writeEnvelope(conn, open); err != nil {
			return fmt.Errorf("open write: %w", err)
		}
		if err := waitForEventType(ctx, conn, protocol.EventDocOpen); err != nil {
			return fmt.Errorf("open ack: %w", err)
		}
	}

	period := time.Duration(float64(time.Second) / rps)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		seq++
		token := makeToken(clientID, seq, payloadBytes)

		start := time.Now()

		var found bool
		switch mode {
		case modePing:
			ping, err := protocol.New(protocol.EventPing, map[string]string{"token": token})
			if err != nil {
				totalErrors.Add(1)
				return fmt.Errorf("ping envelope: %w", err)
			}
			if err := writeEnvelope(conn, ping); err != nil {
				totalErrors.Add(1)
				return fmt.Errorf("ping write: %w", err)
			}
			found, err = waitForPong(ctx, conn, ping.EventID)
			if err != nil {
				totalErrors.Add(1)
				return fmt.Errorf("wait for pong: %w", err)
			}

		case modeEdit:
			changes, _ := json.Marshal(map[string]string{"token": token})
			edit, err := protocol.New(protocol.EventDocEdit, protocol.EditData{
				DocumentID: docID,
				Operation:  "insert",
				Changes:    changes,
			})
			if err != nil {
				totalErrors.Add(1)
				return fmt.Errorf("edit envelope: %w", err)
			}
			if err := writeEnvelope(conn, edit); err != nil {
				totalErrors.Add(1)
				return fmt.Errorf("edit write: %w", err)
			}
			found, err = waitForEditToken(ctx, conn, token)
			if err != nil {
				totalErrors.Add(1)
				return fmt.Errorf("wait for edit echo: %w", err)
			}
		}
		if !found {
			totalErrors.Add(1)
			return fmt.Errorf("reply not observed")
		}

		rtt := time.Since(start)
		totalEvents.Add(1)
		samples <- rtt

		// Best-effort pacing. We intentionally gate on the response to
		// measure real queueing/tail behavior.
		elapsed := time.Since(start)
		if sleep := period - elapsed; sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func readEnvelope(conn *websocket.Conn) (*protocol.Envelope, error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(msg)
}

func writeEnvelope(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// waitForEventType reads envelopes until one of the wanted type arrives.
func waitForEventType(ctx context.Context, conn *websocket.Conn, want protocol.EventType) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := readEnvelope(conn)
		if err != nil {
			return err
		}
		if env.EventType == want {
			return nil
		}
		if env.EventType == protocol.EventError {
			return fmt.Errorf("server error envelope")
		}
	}
}

// waitForPong reads envelopes until the pong answering eventID arrives.
func waitForPong(ctx context.Context, conn *websocket.Conn, eventID string) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		env, err := readEnvelope(conn)
		if err != nil {
			return false, err
		}

		switch env.EventType {
		case protocol.EventPong:
			var pong protocol.PongData
			if err := json.Unmarshal(env.Data, &pong); err != nil {
				return false, err
			}
			if pong.RefEventID == eventID {
				return true, nil
			}

		case protocol.EventError:
			return false, fmt.Errorf("server error envelope")

		default:
			// Ignore notices, presence, etc.
		}
	}
}

// waitForEditToken reads envelopes until a stamped edit carrying token
// comes back.
func waitForEditToken(ctx context.Context, conn *websocket.Conn, token string) (bool, error) {
	needle := []byte(token)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		env, err := readEnvelope(conn)
		if err != nil {
			return false, err
		}

		switch env.EventType {
		case protocol.EventDocEdit:
			var op document.Operation
			if err := json.Unmarshal(env.Data, &op); err != nil {
				return false, err
			}
			if bytes.Contains(op.Changes, needle) {
				return true, nil
			}

		case protocol.EventError:
			return false, fmt.Errorf("server error envelope")

		default:
			// Ignore notices, presence, etc.
		}
	}
}

func makeToken(clientID int, seq uint64, payloadBytes int) string {
	// Always include client+seq for debugging, then pad with random bytes.
	prefix := fmt.Sprintf("c%d:%d:", clientID, seq)
	if payloadBytes <= len(prefix) {
		return prefix[:payloadBytes]
	}

	need := payloadBytes - len(prefix)
	if need < 0 {
		need = 0
	}

	raw := make([]byte, (need+1)/2)
	_, _ = rand.Read(raw)
	suffix := hex.EncodeToString(raw)
	if len(suffix) > need {
		suffix = suffix[:need]
	}
	return prefix + suffix
}
