// Package scgipie serves applications behind a front-end web server over
// SCGI, using a fixed pool of workers that each reuse one buffer pair.
package scgipie

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/rschoon/scgi-pie/internal/buffer"
	"github.com/rschoon/scgi-pie/internal/scgi"
	"github.com/rschoon/scgi-pie/internal/session"
	"github.com/rschoon/scgi-pie/internal/worker"
)

// Listener sources.
const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
	NetworkFD   = "fd"
)

// MinBufferSize is the smallest accepted output buffer size.
const MinBufferSize = 1024

// Config holds the server configuration options.
type Config struct {
	Network            string        // Listener source: "unix", "tcp" or "fd"
	Addr               string        // Socket path, host:port or inherited descriptor number
	UnixMode           os.FileMode   // Permissions applied to a unix socket (0 leaves the umask default)
	NumWorkers         int           // Number of worker goroutines
	BufferSize         int           // Output occupancy that forces a drain
	PersistentSize     int           // Largest buffer capacity kept between connections
	AllowBuffering     bool          // Accumulate output instead of flushing every chunk
	MaxHeaderBytes     int           // Maximum SCGI header block size in bytes
	ReadBodyUntilClose bool          // Treat a missing CONTENT_LENGTH as a body running until close
	ShutdownTimeout    time.Duration // Time Stop waits for in-flight requests
	Logger             *log.Logger   // Logger for server events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Network:         NetworkUnix,
		Addr:            "/tmp/scgi-pie.sock",
		NumWorkers:      4,
		BufferSize:      32768,
		PersistentSize:  buffer.DefaultPersistentSize,
		MaxHeaderBytes:  scgi.DefaultMaxHeaderBytes,
		ShutdownTimeout: 30 * time.Second,
		Logger:          newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	switch c.Network {
	case "":
		c.Network = NetworkUnix
	case NetworkUnix, NetworkTCP, NetworkFD:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.Addr == "" {
		return fmt.Errorf("no listen address for network %q", c.Network)
	}
	return c.normalize()
}

// normalize checks and defaults the settings used by sessions, leaving the
// listener fields alone.
func (c *Config) normalize() error {
	if c.BufferSize == 0 {
		c.BufferSize = 32768
	}
	if c.BufferSize < MinBufferSize {
		return fmt.Errorf("buffer size %d is below the minimum of %d", c.BufferSize, MinBufferSize)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.PersistentSize <= 0 {
		c.PersistentSize = buffer.DefaultPersistentSize
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = scgi.DefaultMaxHeaderBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

func (c *Config) sessionOptions() session.Options {
	return session.Options{
		BufferSize:         c.BufferSize,
		PersistentSize:     c.PersistentSize,
		Buffering:          c.AllowBuffering,
		MaxHeaderBytes:     c.MaxHeaderBytes,
		ReadBodyUntilClose: c.ReadBodyUntilClose,
		Logger:             c.Logger,
	}
}

func (c *Config) workerConfig() worker.Config {
	return worker.Config{
		NumWorkers: c.NumWorkers,
		Session:    c.sessionOptions(),
		Logger:     c.Logger,
	}
}
