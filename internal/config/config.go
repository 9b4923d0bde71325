package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host            string
	Port            int
	MetricsAddr     string
	MaxConnections  int
	MaxObjects      int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	PushBuffer      int
	LockCheck       bool
	Debug           bool
	Version         bool
	TLSCert         string
	TLSKey          string
	AuthToken       string
}

// envOrInt returns the environment variable value parsed as int, or the flag
// default if the env var is unset or unparseable.
func envOrInt(envKey string, flagVal int) int {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return flagVal
	}
	return n
}

// envOrBool returns the environment variable value parsed as bool, or the
// flag default if the env var is unset. Recognizes 1/yes/true and
// 0/no/false; anything else falls back to the flag default.
func envOrBool(envKey string, flagVal bool) bool {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	switch strings.ToLower(v) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return flagVal
	}
}

// envOrString returns the environment variable value, or the flag default
// if the env var is unset.
func envOrString(envKey string, flagVal string) string {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	return v
}

// envOrDuration returns a time.Duration in seconds from the environment
// variable, or converts the flag default (in seconds) if the env var is
// unset.
func envOrDuration(envKey string, flagVal int) time.Duration {
	return time.Duration(envOrInt(envKey, flagVal)) * time.Second
}

// loadAuthToken resolves the auth token from (in priority order):
//  1. OSDD_AUTH_TOKEN env var
//  2. --auth-token flag
//  3. contents of --auth-token-file (trailing whitespace stripped)
//  4. contents of OSDD_AUTH_TOKEN_FILE env var
func loadAuthToken(flagToken, flagTokenFile string) (string, error) {
	if v := os.Getenv("OSDD_AUTH_TOKEN"); v != "" {
		return v, nil
	}
	if flagToken != "" {
		return flagToken, nil
	}
	path := flagTokenFile
	if path == "" {
		path = os.Getenv("OSDD_AUTH_TOKEN_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading auth token file %q: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("osdd", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "Bind address")
	port := fs.Int("port", 6800, "Bind port")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address (empty = disabled)")
	maxConnections := fs.Int("max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	maxObjects := fs.Int("max-objects", 0, "Maximum objects per shard (0 = unlimited)")
	readTimeout := fs.Int("read-timeout", 23, "Client read timeout (seconds)")
	writeTimeout := fs.Int("write-timeout", 5, "Client write timeout (seconds)")
	shutdownTimeout := fs.Int("shutdown-timeout", 30, "Graceful shutdown drain timeout (seconds, 0 = wait forever)")
	pushBuffer := fs.Int("push-buffer", 64, "Per-connection push message buffer")
	lockCheck := fs.Bool("lock-check", false, "Verify backoff lock ordering at runtime")
	tlsCert := fs.String("tls-cert", "", "Path to TLS certificate PEM file")
	tlsKey := fs.String("tls-key", "", "Path to TLS private key PEM file")
	authToken := fs.String("auth-token", "", "Shared secret token for client authentication (visible in process list; prefer --auth-token-file)")
	authTokenFile := fs.String("auth-token-file", "", "Path to file containing the auth token (one line, trailing whitespace stripped)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	version := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	authTok, err := loadAuthToken(*authToken, *authTokenFile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:            envOrString("OSDD_HOST", *host),
		Port:            envOrInt("OSDD_PORT", *port),
		MetricsAddr:     envOrString("OSDD_METRICS_ADDR", *metricsAddr),
		MaxConnections:  envOrInt("OSDD_MAX_CONNECTIONS", *maxConnections),
		MaxObjects:      envOrInt("OSDD_MAX_OBJECTS", *maxObjects),
		ReadTimeout:     envOrDuration("OSDD_READ_TIMEOUT_S", *readTimeout),
		WriteTimeout:    envOrDuration("OSDD_WRITE_TIMEOUT_S", *writeTimeout),
		ShutdownTimeout: envOrDuration("OSDD_SHUTDOWN_TIMEOUT_S", *shutdownTimeout),
		PushBuffer:      envOrInt("OSDD_PUSH_BUFFER", *pushBuffer),
		LockCheck:       envOrBool("OSDD_LOCK_CHECK", *lockCheck),
		TLSCert:         envOrString("OSDD_TLS_CERT", *tlsCert),
		TLSKey:          envOrString("OSDD_TLS_KEY", *tlsKey),
		AuthToken:       authTok,
		Debug:           envOrBool("OSDD_DEBUG", *debug),
		Version:         *version,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("--read-timeout must be > 0")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("--write-timeout must be >= 0 (got %s)", c.WriteTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("--shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("--max-connections must be >= 0 (got %d)", c.MaxConnections)
	}
	if c.MaxObjects < 0 {
		return fmt.Errorf("--max-objects must be >= 0 (got %d)", c.MaxObjects)
	}
	if c.PushBuffer <= 0 {
		return fmt.Errorf("--push-buffer must be > 0 (got %d)", c.PushBuffer)
	}
	return nil
}
