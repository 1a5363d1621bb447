// Command scgi-pie serves an application over SCGI behind a front-end web
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/rschoon/scgi-pie/pkg/scgipie"
)

type options struct {
	unix            string
	unixMode        string
	tcp             string
	fd              int
	pipe            bool
	buffering       bool
	bufferSize      int
	numThreads      int
	maxHeaderBytes  int
	readUntilClose  bool
	validator       bool
	compress        bool
	plugin          string
	metricsAddr     string
	accessLog       string
	accessLogFormat string
	verbose         bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("scgi-pie", flag.ContinueOnError)
	fs.StringVar(&opts.unix, "unix", "", "listen on a unix socket at this path")
	fs.StringVar(&opts.unixMode, "unix-mode", "", "octal permissions for the unix socket")
	fs.StringVar(&opts.tcp, "tcp", "", "listen on a TCP host:port")
	fs.IntVar(&opts.fd, "fd", -1, "serve an inherited listening descriptor")
	fs.BoolVar(&opts.pipe, "pipe", false, "serve one request from stdin to stdout")
	fs.BoolVar(&opts.buffering, "buffering", false, "buffer response output instead of flushing each chunk")
	fs.IntVar(&opts.bufferSize, "buffer-size", 32768, "output buffer size in bytes (minimum 1024)")
	fs.IntVarP(&opts.numThreads, "num-threads", "n", 4, "number of worker threads")
	fs.IntVar(&opts.maxHeaderBytes, "max-header-bytes", 1<<20, "largest accepted SCGI header block")
	fs.BoolVar(&opts.readUntilClose, "read-until-close", false, "read bodies without CONTENT_LENGTH until the peer closes")
	fs.BoolVar(&opts.validator, "validator", false, "check the application against the response contract")
	fs.BoolVar(&opts.compress, "compress", false, "compress responses for clients that accept it")
	fs.StringVar(&opts.plugin, "plugin", "", "Go plugin exporting Application")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics over HTTP at this address")
	fs.StringVar(&opts.accessLog, "access-log", "", `access log file ("-" for stdout)`)
	fs.StringVar(&opts.accessLogFormat, "access-log-format", "text", `access log format: "text" or "json"`)
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log server events to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	sources := 0
	for _, set := range []bool{opts.unix != "", opts.tcp != "", opts.fd >= 0, opts.pipe} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("exactly one of --unix, --tcp, --fd or --pipe is required")
	}
	if opts.bufferSize < scgipie.MinBufferSize {
		return nil, fmt.Errorf("--buffer-size must be at least %d", scgipie.MinBufferSize)
	}
	return opts, nil
}

func (o *options) config() (scgipie.Config, error) {
	config := scgipie.DefaultConfig()
	config.NumWorkers = o.numThreads
	config.BufferSize = o.bufferSize
	config.AllowBuffering = o.buffering
	config.MaxHeaderBytes = o.maxHeaderBytes
	config.ReadBodyUntilClose = o.readUntilClose
	config.Logger = log.New(io.Discard, "", 0)
	if o.verbose {
		config.Logger = log.New(os.Stderr, "scgi-pie: ", log.LstdFlags)
	}

	switch {
	case o.unix != "":
		config.Network = scgipie.NetworkUnix
		config.Addr = o.unix
		if o.unixMode != "" {
			mode, err := strconv.ParseUint(o.unixMode, 8, 32)
			if err != nil {
				return config, fmt.Errorf("bad --unix-mode %q: %w", o.unixMode, err)
			}
			config.UnixMode = os.FileMode(mode)
		}
	case o.tcp != "":
		config.Network = scgipie.NetworkTCP
		config.Addr = o.tcp
	case o.fd >= 0:
		config.Network = scgipie.NetworkFD
		config.Addr = strconv.Itoa(o.fd)
	}
	return config, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "scgi-pie:", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "scgi-pie:", err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	config, err := opts.config()
	if err != nil {
		return err
	}

	accessLog, closeLog, err := openAccessLog(opts.accessLog)
	if err != nil {
		return err
	}
	defer closeLog()

	handler := buildHandler(opts, accessLog, config.Logger)

	signal.Ignore(syscall.SIGPIPE)

	if opts.pipe {
		return scgipie.RunOnce(context.Background(), os.Stdin, os.Stdout, handler, config)
	}

	server := scgipie.New(config).Handler(handler)
	if err := server.Start(); err != nil {
		return err
	}

	var metrics *http.Server
	if opts.metricsAddr != "" {
		metrics = serveMetrics(opts.metricsAddr, config.Logger)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			if err := server.Reload(nil); err != nil {
				config.Logger.Printf("reload failed: %v", err)
			}
			continue
		}
		break
	}
	signal.Stop(signals)

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if metrics != nil {
		_ = metrics.Shutdown(ctx)
	}
	return server.Stop(ctx)
}

func buildHandler(opts *options, accessLog io.Writer, logger *log.Logger) scgipie.Handler {
	app := builtinApplication()
	if opts.plugin != "" {
		loaded, err := loadPlugin(opts.plugin)
		if err != nil {
			logger.Printf("loading %s: %v", opts.plugin, err)
			fmt.Fprintf(os.Stderr, "scgi-pie: %v; every request will fail\n", err)
			loaded = scgipie.Fallback(err)
		}
		app = loaded
	}

	middlewares := []scgipie.Middleware{scgipie.Recovery(), scgipie.RequestID()}
	if accessLog != nil {
		middlewares = append(middlewares, scgipie.LoggerWithConfig(scgipie.LoggerConfig{
			Output: accessLog,
			Format: opts.accessLogFormat,
		}))
	}
	if opts.metricsAddr != "" {
		middlewares = append(middlewares, scgipie.Prometheus())
	}
	middlewares = append(middlewares, scgipie.Tracing())
	if opts.compress {
		middlewares = append(middlewares, scgipie.Compress())
	}
	if opts.validator {
		middlewares = append(middlewares, scgipie.Validator())
	}
	return scgipie.Chain(middlewares...)(app)
}

func openAccessLog(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open access log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func serveMetrics(addr string, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server: %v", err)
		}
	}()
	return srv
}
