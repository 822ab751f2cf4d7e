// Package config loads the media driver's configuration from a Java-style
// .properties file, MEDIADRIVER_-prefixed environment variables, and
// pflag-bound CLI flags, following the flag > env > file > default
// precedence used by the teacher's cmd/lockd/app.go.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ThreadingMode selects how the Conductor/Sender/Receiver agents share
// goroutines, per spec.md §5.
type ThreadingMode string

const (
	// ThreeThread runs Conductor, Sender and Receiver each on its own Runner.
	ThreeThread ThreadingMode = "dedicated"
	// TwoThread coalesces Sender and Receiver onto one Runner, leaving the
	// Conductor on its own.
	TwoThread ThreadingMode = "shared-network"
	// SharedThread runs all three agents under a single CompositeAgent.
	SharedThread ThreadingMode = "shared"
)

// IdleStrategyName selects an internal/concurrent.IdleStrategy implementation.
type IdleStrategyName string

const (
	IdleBackoff  IdleStrategyName = "backoff"
	IdleBusySpin IdleStrategyName = "busy-spin"
)

// Config holds every driver setting spec.md §6 names, plus the additions
// SPEC_FULL.md §B.2 adds (threading mode, idle strategy, retransmit ring
// capacity, OMFB group-size estimate).
type Config struct {
	AeronDir string

	TermLength             int32
	MTU                    int32
	SocketSendBufferSize   int32
	SocketRecvBufferSize   int32
	InitialWindowLength    int32
	StatusMessageTimeoutNs int64

	ThreadingMode ThreadingMode
	IdleStrategy  IdleStrategyName
	IdleParkNs    int64

	RetransmitRingCapacity int
	OMFBGroupSizeEstimate  int

	ClientLivenessTimeoutNs     int64
	ImageLivenessTimeoutNs      int64
	PublicationLingerTimeoutNs  int64
	PublicationUnblockTimeoutNs int64

	MetricsListen string
	LogLevel      string
}

// DefaultAeronDir mirrors the original driver's convention of defaulting to
// a directory under the OS temp dir named after the current user.
func DefaultAeronDir() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "default"
	}
	return filepath.Join(os.TempDir(), "aeron-"+user)
}

// Default returns the driver's default configuration before any file, env
// or flag override is applied.
func Default() Config {
	return Config{
		AeronDir:                    DefaultAeronDir(),
		TermLength:                  16 * 1024 * 1024,
		MTU:                         1408,
		SocketSendBufferSize:        2 * 1024 * 1024,
		SocketRecvBufferSize:        2 * 1024 * 1024,
		InitialWindowLength:         2 * 1024 * 1024,
		StatusMessageTimeoutNs:      200_000_000,
		ThreadingMode:               ThreeThread,
		IdleStrategy:                IdleBackoff,
		IdleParkNs:                  100_000,
		RetransmitRingCapacity:      1024,
		OMFBGroupSizeEstimate:       10,
		ClientLivenessTimeoutNs:     10_000_000_000,
		ImageLivenessTimeoutNs:      5_000_000_000,
		PublicationLingerTimeoutNs:  5_000_000_000,
		PublicationUnblockTimeoutNs: 1_000_000_000,
		MetricsListen:               "",
		LogLevel:                    "info",
	}
}

// BindFlags registers every configuration key on flags with its default
// value, so pflag's own precedence (flag > env > file, once bound to viper)
// applies uniformly.
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("aeron-dir", d.AeronDir, "directory holding the CnC file and term-buffer logs")
	flags.String("term-length", fmt.Sprint(d.TermLength), "term buffer length per partition (power of two)")
	flags.String("mtu", fmt.Sprint(d.MTU), "maximum transmission unit for a single DATA frame")
	flags.String("socket-sndbuf", fmt.Sprint(d.SocketSendBufferSize), "UDP socket send buffer size")
	flags.String("socket-rcvbuf", fmt.Sprint(d.SocketRecvBufferSize), "UDP socket receive buffer size")
	flags.String("initial-window-length", fmt.Sprint(d.InitialWindowLength), "initial receiver flow-control window")
	flags.Int64("sm-timeout-ns", d.StatusMessageTimeoutNs, "minimum interval between status messages for one image")
	flags.String("threading-mode", string(d.ThreadingMode), "agent threading mode: dedicated, shared-network, or shared")
	flags.String("idle-strategy", string(d.IdleStrategy), "agent idle strategy: backoff or busy-spin")
	flags.Int64("idle-park-ns", d.IdleParkNs, "park duration once an agent's idle strategy has fully escalated (backoff only)")
	flags.Int("retransmit-ring-capacity", d.RetransmitRingCapacity, "maximum outstanding NAK entries tracked per publication")
	flags.Int("omfb-group-size-estimate", d.OMFBGroupSizeEstimate, "estimated multicast group size used by the RFC 5401 retransmit delay")
	flags.Int64("client-liveness-timeout-ns", d.ClientLivenessTimeoutNs, "client keepalive timeout before its publications/subscriptions are torn down")
	flags.Int64("image-liveness-timeout-ns", d.ImageLivenessTimeoutNs, "image inactivity timeout before it is closed")
	flags.Int64("publication-linger-timeout-ns", d.PublicationLingerTimeoutNs, "grace period a removed publication's log buffer stays mapped")
	flags.Int64("publication-unblock-timeout-ns", d.PublicationUnblockTimeoutNs, "time a stalled reservation is given before the conductor unblocks it")
	flags.String("metrics-listen", d.MetricsListen, "Prometheus scrape listen address (empty disables)")
	flags.String("log-level", d.LogLevel, "structured log level: debug, info, warn, error")
}

// Load reads propertiesFile (if non-empty) into viper, binds it to flags and
// the MEDIADRIVER_ environment prefix, and returns the resolved Config.
// propertiesFile may be empty, in which case only flags, env and defaults
// apply.
func Load(propertiesFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIADRIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}

	if propertiesFile != "" {
		v.SetConfigFile(propertiesFile)
		v.SetConfigType("properties")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %q: %w", propertiesFile, err)
		}
	}

	cfg := Default()
	cfg.AeronDir = v.GetString("aeron-dir")

	termLength, err := parseBytesInt32(v, "term-length")
	if err != nil {
		return Config{}, err
	}
	cfg.TermLength = termLength

	mtu, err := parseBytesInt32(v, "mtu")
	if err != nil {
		return Config{}, err
	}
	cfg.MTU = mtu

	sndbuf, err := parseBytesInt32(v, "socket-sndbuf")
	if err != nil {
		return Config{}, err
	}
	cfg.SocketSendBufferSize = sndbuf

	rcvbuf, err := parseBytesInt32(v, "socket-rcvbuf")
	if err != nil {
		return Config{}, err
	}
	cfg.SocketRecvBufferSize = rcvbuf

	window, err := parseBytesInt32(v, "initial-window-length")
	if err != nil {
		return Config{}, err
	}
	cfg.InitialWindowLength = window

	cfg.StatusMessageTimeoutNs = v.GetInt64("sm-timeout-ns")
	cfg.ThreadingMode = ThreadingMode(v.GetString("threading-mode"))
	cfg.IdleStrategy = IdleStrategyName(v.GetString("idle-strategy"))
	cfg.IdleParkNs = v.GetInt64("idle-park-ns")
	cfg.RetransmitRingCapacity = v.GetInt("retransmit-ring-capacity")
	cfg.OMFBGroupSizeEstimate = v.GetInt("omfb-group-size-estimate")
	cfg.ClientLivenessTimeoutNs = v.GetInt64("client-liveness-timeout-ns")
	cfg.ImageLivenessTimeoutNs = v.GetInt64("image-liveness-timeout-ns")
	cfg.PublicationLingerTimeoutNs = v.GetInt64("publication-linger-timeout-ns")
	cfg.PublicationUnblockTimeoutNs = v.GetInt64("publication-unblock-timeout-ns")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.LogLevel = v.GetString("log-level")

	return cfg, cfg.Validate()
}

// WatchFile watches propertiesFile for writes and invokes onChange each
// time it is rewritten. The driver's own settings (term length, MTU,
// threading mode, ...) are only read at startup, so this does not hot-apply
// a new Config; it exists so a running mediadriverd can tell an operator
// their edit needs a restart to take effect instead of silently ignoring
// it. A no-op if propertiesFile is empty. The returned closer stops the
// watch; callers should defer it.
func WatchFile(propertiesFile string, onChange func()) (io.Closer, error) {
	if propertiesFile == "" {
		return io.NopCloser(nil), nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(propertiesFile)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %q: %w", propertiesFile, err)
	}
	target := filepath.Clean(propertiesFile)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher, nil
}

// parseBytesInt32 reads key as a humanize-parseable byte-count string
// ("16MiB", "1408", ...) and returns it as an int32, matching the teacher's
// own json-max/state-cache-bytes handling in cmd/lockd/app.go.
func parseBytesInt32(v *viper.Viper, key string) (int32, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, fmt.Errorf("config: %s must not be empty", key)
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s=%q: %w", key, raw, err)
	}
	return int32(n), nil
}

// Validate rejects configuration combinations the driver cannot run with.
func (c Config) Validate() error {
	if c.TermLength <= 0 || c.TermLength&(c.TermLength-1) != 0 {
		return fmt.Errorf("config: term-length must be a positive power of two, got %d", c.TermLength)
	}
	if c.MTU <= 0 {
		return fmt.Errorf("config: mtu must be positive, got %d", c.MTU)
	}
	switch c.ThreadingMode {
	case ThreeThread, TwoThread, SharedThread:
	default:
		return fmt.Errorf("config: unknown threading-mode %q", c.ThreadingMode)
	}
	switch c.IdleStrategy {
	case IdleBackoff, IdleBusySpin:
	default:
		return fmt.Errorf("config: unknown idle-strategy %q", c.IdleStrategy)
	}
	return nil
}

// CnCPath returns the well-known CnC file path within AeronDir, matching
// spec.md §6's "aeron directory" convention.
func (c Config) CnCPath() string {
	return filepath.Join(c.AeronDir, "cnc.dat")
}
