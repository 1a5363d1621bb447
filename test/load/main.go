// Package main provides incremental load testing for the SCGI gateway. It
// ramps up clients over time and reports throughput, failures and dropped
// connections per step.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/rschoon/scgi-pie/internal/scgi"
	"github.com/rschoon/scgi-pie/pkg/scgipie"
)

// IncrementalLoadTestConfig defines the configuration for incremental load tests
type IncrementalLoadTestConfig struct {
	// Target; an empty Addr starts an in-process server on a unix socket
	Network    string
	Addr       string
	NumWorkers int
	Buffering  bool

	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients to add each step
	TestDuration   time.Duration // Total test duration
	RequestTimeout time.Duration // Per-request deadline
	RequestDelay   time.Duration // Delay between requests per client
	BodySize       int           // Request body bytes per request
}

// IncrementalLoadTestResult contains the results of an incremental load test
type IncrementalLoadTestResult struct {
	TestDuration       time.Duration
	MaxClients         int
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	DroppedConnections int64
	StatusCodes        map[int]int64
	Steps              []StepResult
	MaxRPS             float64
	MaxClientsAtMaxRPS int
}

// StepResult contains the results for one measurement interval
type StepResult struct {
	TimeElapsed       time.Duration
	ClientCount       int
	Requests          int64
	Successful        int64
	Failed            int64
	Dropped           int64
	RequestsPerSecond float64
}

type counters struct {
	requests   atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
}

// IncrementalLoadTestRunner manages the incremental load test
type IncrementalLoadTestRunner struct {
	config  IncrementalLoadTestConfig
	server  *scgipie.Server
	request []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	total   counters
	clients atomic.Int64

	mu     sync.Mutex
	status map[int]int64
	result *IncrementalLoadTestResult
}

// NewIncrementalLoadTestRunner creates a new incremental load test runner
func NewIncrementalLoadTestRunner(config IncrementalLoadTestConfig) *IncrementalLoadTestRunner {
	ctx, cancel := context.WithCancel(context.Background())

	body := strings.Repeat("x", config.BodySize)
	request := scgi.AppendFrame(nil, [][2]string{
		{"CONTENT_LENGTH", strconv.Itoa(len(body))},
		{"SCGI", "1"},
		{"REQUEST_METHOD", "POST"},
		{"PATH_INFO", "/load"},
		{"SERVER_NAME", "localhost"},
		{"SERVER_PROTOCOL", "HTTP/1.1"},
	})
	request = append(request, body...)

	return &IncrementalLoadTestRunner{
		config:  config,
		request: request,
		ctx:     ctx,
		cancel:  cancel,
		status:  make(map[int]int64),
		result:  &IncrementalLoadTestResult{},
	}
}

// StartServer starts an in-process gateway when no target was given.
func (ltr *IncrementalLoadTestRunner) StartServer() error {
	if ltr.config.Addr != "" {
		return nil
	}

	config := scgipie.DefaultConfig()
	config.Addr = filepath.Join(os.TempDir(), fmt.Sprintf("scgi-pie-load-%d.sock", os.Getpid()))
	config.NumWorkers = ltr.config.NumWorkers
	config.AllowBuffering = ltr.config.Buffering

	ltr.server = scgipie.New(config).Handler(scgipie.HandlerFunc(func(req *scgipie.Request, rw scgipie.Responder) (scgipie.Body, error) {
		n, err := io.Copy(io.Discard, req.Input)
		if err != nil {
			return nil, err
		}
		return scgipie.Text(rw, 200, "OK "+strconv.FormatInt(n, 10))
	}))
	if err := ltr.server.Start(); err != nil {
		return err
	}
	ltr.config.Network = scgipie.NetworkUnix
	ltr.config.Addr = config.Addr
	return nil
}

// StopServer stops the in-process gateway
func (ltr *IncrementalLoadTestRunner) StopServer() error {
	if ltr.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ltr.server.Stop(ctx)
}

// RunIncrementalLoadTest executes the incremental load test
func (ltr *IncrementalLoadTestRunner) RunIncrementalLoadTest() (*IncrementalLoadTestResult, error) {
	if err := ltr.StartServer(); err != nil {
		return nil, err
	}
	defer func() {
		_ = ltr.StopServer()
	}()

	if status, err := ltr.doRequest(); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	} else if status != 200 {
		return nil, fmt.Errorf("health check: status %d", status)
	}

	start := time.Now()
	totalSteps := int(ltr.config.TestDuration / ltr.config.RampUpInterval)
	ltr.result.MaxClients = totalSteps * ltr.config.ClientsPerStep

	ramp := time.NewTicker(ltr.config.RampUpInterval)
	defer ramp.Stop()
	measure := time.NewTicker(time.Second)
	defer measure.Stop()
	deadline := time.After(ltr.config.TestDuration)

	var last counters
	lastTime := start
loop:
	for {
		select {
		case <-ramp.C:
			for i := 0; i < ltr.config.ClientsPerStep; i++ {
				ltr.wg.Add(1)
				ltr.clients.Add(1)
				go ltr.runClient()
			}
		case now := <-measure.C:
			ltr.recordStep(now, start, lastTime, &last)
			lastTime = now
		case <-deadline:
			break loop
		}
	}

	ltr.cancel()
	ltr.wg.Wait()

	ltr.result.TestDuration = time.Since(start)
	ltr.result.TotalRequests = ltr.total.requests.Load()
	ltr.result.SuccessfulRequests = ltr.total.successful.Load()
	ltr.result.FailedRequests = ltr.total.failed.Load()
	ltr.result.DroppedConnections = ltr.total.dropped.Load()
	ltr.result.StatusCodes = ltr.status
	return ltr.result, nil
}

func (ltr *IncrementalLoadTestRunner) recordStep(now, start, lastTime time.Time, last *counters) {
	step := StepResult{
		TimeElapsed: now.Sub(start),
		ClientCount: int(ltr.clients.Load()),
		Requests:    ltr.total.requests.Load() - last.requests.Load(),
		Successful:  ltr.total.successful.Load() - last.successful.Load(),
		Failed:      ltr.total.failed.Load() - last.failed.Load(),
		Dropped:     ltr.total.dropped.Load() - last.dropped.Load(),
	}
	if elapsed := now.Sub(lastTime).Seconds(); elapsed > 0 {
		step.RequestsPerSecond = float64(step.Successful) / elapsed
	}
	last.requests.Store(ltr.total.requests.Load())
	last.successful.Store(ltr.total.successful.Load())
	last.failed.Store(ltr.total.failed.Load())
	last.dropped.Store(ltr.total.dropped.Load())

	ltr.result.Steps = append(ltr.result.Steps, step)
	if step.RequestsPerSecond > ltr.result.MaxRPS {
		ltr.result.MaxRPS = step.RequestsPerSecond
		ltr.result.MaxClientsAtMaxRPS = step.ClientCount
	}
}

func (ltr *IncrementalLoadTestRunner) runClient() {
	defer ltr.wg.Done()
	for {
		select {
		case <-ltr.ctx.Done():
			return
		default:
		}

		status, err := ltr.doRequest()
		ltr.total.requests.Add(1)
		switch {
		case err != nil:
			ltr.total.dropped.Add(1)
		case status == 200:
			ltr.total.successful.Add(1)
		default:
			ltr.total.failed.Add(1)
		}
		if err == nil {
			ltr.mu.Lock()
			ltr.status[status]++
			ltr.mu.Unlock()
		}

		if ltr.config.RequestDelay > 0 {
			time.Sleep(ltr.config.RequestDelay)
		}
	}
}

// doRequest sends one request on a fresh connection and returns the status
// code from the response.
func (ltr *IncrementalLoadTestRunner) doRequest() (int, error) {
	d := net.Dialer{Timeout: ltr.config.RequestTimeout}
	c, err := d.DialContext(ltr.ctx, ltr.config.Network, ltr.config.Addr)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	if err := c.SetDeadline(time.Now().Add(ltr.config.RequestTimeout)); err != nil {
		return 0, err
	}

	if _, err := c.Write(ltr.request); err != nil {
		return 0, err
	}

	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	status, ok := strings.CutPrefix(strings.TrimSpace(line), "Status: ")
	if !ok {
		return 0, fmt.Errorf("bad status line %q", line)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return 0, err
	}
	return scgipie.StatusCode(status), nil
}

func printResult(result *IncrementalLoadTestResult) {
	fmt.Printf("%-10s %-8s %-10s %-10s %-8s %-8s %-10s\n",
		"elapsed", "clients", "requests", "ok", "failed", "dropped", "rps")
	for _, s := range result.Steps {
		fmt.Printf("%-10s %-8d %-10d %-10d %-8d %-8d %-10.0f\n",
			s.TimeElapsed.Truncate(time.Second), s.ClientCount, s.Requests,
			s.Successful, s.Failed, s.Dropped, s.RequestsPerSecond)
	}

	fmt.Printf("\nduration %s, %d requests, %d ok, %d failed, %d dropped\n",
		result.TestDuration.Truncate(time.Millisecond), result.TotalRequests,
		result.SuccessfulRequests, result.FailedRequests, result.DroppedConnections)
	fmt.Printf("max %.0f rps at %d clients\n", result.MaxRPS, result.MaxClientsAtMaxRPS)

	codes := make([]int, 0, len(result.StatusCodes))
	for code := range result.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, result.StatusCodes[code])
	}
}

func main() {
	config := IncrementalLoadTestConfig{}
	flag.StringVar(&config.Network, "network", "unix", `target network: "unix" or "tcp"`)
	flag.StringVar(&config.Addr, "addr", "", "target address (empty starts an in-process server)")
	flag.IntVar(&config.NumWorkers, "workers", 4, "in-process server workers")
	flag.BoolVar(&config.Buffering, "buffering", false, "in-process server output buffering")
	flag.DurationVar(&config.RampUpInterval, "ramp", 25*time.Millisecond, "interval between client additions")
	flag.IntVar(&config.ClientsPerStep, "step", 1, "clients added per interval")
	flag.DurationVar(&config.TestDuration, "duration", 30*time.Second, "test duration")
	flag.DurationVar(&config.RequestTimeout, "timeout", 3*time.Second, "per-request timeout")
	flag.DurationVar(&config.RequestDelay, "delay", 2*time.Millisecond, "delay between requests per client")
	flag.IntVar(&config.BodySize, "body", 128, "request body size")
	flag.Parse()

	if config.RampUpInterval <= 0 || config.ClientsPerStep <= 0 {
		log.Fatal("--ramp and --step must be positive")
	}

	result, err := NewIncrementalLoadTestRunner(config).RunIncrementalLoadTest()
	if err != nil {
		log.Fatal(err)
	}
	printResult(result)
}
