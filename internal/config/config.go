package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User        string
	Pass        string
	Host        string
	Port        string
	Name        string
	MaxConns    int           // Pool ceiling for fieldapi
	MinConns    int           // Warm connections kept open
	MaxConnIdle time.Duration // Idle connection lifetime
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	DLQTopic    string // Dead letter topic for dropped submissions
	PublishDLQ  bool   // Whether dropped submissions are published at all

	NsqdHTTPAddr string        // e.g. nsqd:4151, polled for topic stats
	DLQChannel   string        // Channel the DLQ monitor consumes on
	MonitorPort  string        // DLQ monitor metrics listen address
	PollInterval time.Duration // How often topic stats are polled
}

type Agent struct {
	ListenAddr     string        // Local address pages talk to, e.g. 127.0.0.1:8700
	UpstreamURL    string        // Base URL of the field API
	StorePath      string        // SQLite file backing the offline queue
	RequestTimeout time.Duration // Foreground and replay request timeout
	RetryCeiling   int           // Failed replays before a record is dropped
	ProbePath      string        // Path probed on the upstream to detect connectivity
	ProbeInterval  time.Duration // How often the upstream is probed
	BackgroundSync bool          // Whether deferred sync registration is supported
	SyncTag        string        // Deferred sync tag for queued submissions
}

type API struct {
	HTTPPort          string        // :8080
	IdempotencyWindow time.Duration // Duplicate window for the write endpoints
	AccessIssuer      string        // Expected JWT issuer
	AccessAudience    string        // Expected JWT audience
	AccessPublicKey   string        // PEM public key for Access assertions
	TrustEmailHeader  bool          // Trust Cf-Access-Authenticated-User-Email as set by the proxy
	DevEmail          string        // Volunteer used when no identity is present (dev only)
}

type FakeAPI struct {
	FailFirstN      int           // Number of write requests to fail initially
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type DevAccess struct {
	Port       string        // Server listen port
	PrivateKey string        // PEM RSA private key; generated when empty
	TokenTTL   time.Duration // Default lifetime of minted assertions
}

type Config struct {
	AppName   string
	DB        DB
	NSQ       NSQ
	Agent     Agent
	API       API
	FakeAPI   FakeAPI
	DevAccess DevAccess
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// normalizeURL trims trailing slashes so endpoints can be appended directly
func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "fieldqueue"),
		DB: DB{
			User:        getenv("DB_USER", "postgres"),
			Pass:        getenv("DB_PASS", "postgres"),
			Host:        getenv("DB_HOST", "postgres"),
			Port:        getenv("DB_PORT", "5432"),
			Name:        getenv("DB_NAME", "fieldqueue"),
			MaxConns:    getenvInt("DB_MAX_CONNS", 10),
			MinConns:    getenvInt("DB_MIN_CONNS", 1),
			MaxConnIdle: getenvDuration("DB_MAX_CONN_IDLE", 5*time.Minute),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			DLQTopic:    getenv("NSQ_DLQ_TOPIC", "submissions_dlq"),
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),

			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			DLQChannel:   getenv("NSQ_DLQ_CHANNEL", "audit"),
			MonitorPort:  getenv("DLQ_MONITOR_PORT", ":8084"),
			PollInterval: getenvDuration("POLL_INTERVAL", 15*time.Second),
		},
		Agent: Agent{
			ListenAddr:     getenv("AGENT_LISTEN_ADDR", "127.0.0.1:8700"),
			UpstreamURL:    normalizeURL(getenv("UPSTREAM_URL", "http://localhost:8080")),
			StorePath:      getenv("STORE_PATH", "fieldqueue-offline.db"),
			RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 15*time.Second),
			RetryCeiling:   getenvInt("RETRY_CEILING", 5),
			ProbePath:      getenv("PROBE_PATH", "/api/ping"),
			ProbeInterval:  getenvDuration("PROBE_INTERVAL", 15*time.Second),
			BackgroundSync: getenvBool("BACKGROUND_SYNC", true),
			SyncTag:        getenv("SYNC_TAG", "offline-submissions"),
		},
		API: API{
			HTTPPort:          getenv("HTTP_PORT", ":8080"),
			IdempotencyWindow: getenvDuration("IDEMPOTENCY_WINDOW", 30*time.Second),
			AccessIssuer:      getenv("ACCESS_ISSUER", ""),
			AccessAudience:    getenv("ACCESS_AUDIENCE", ""),
			AccessPublicKey:   getenv("ACCESS_PUBLIC_KEY", ""),
			TrustEmailHeader:  getenvBool("TRUST_ACCESS_EMAIL_HEADER", true),
			DevEmail:          getenv("DEV_VOLUNTEER_EMAIL", ""),
		},
		FakeAPI: FakeAPI{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_API_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_API_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_API_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_API_IDLE_TIMEOUT", 60*time.Second),
		},
		DevAccess: DevAccess{
			Port:       getenv("DEV_ACCESS_PORT", ":8082"),
			PrivateKey: getenv("ACCESS_PRIVATE_KEY", ""),
			TokenTTL:   getenvDuration("ACCESS_TOKEN_TTL", time.Hour),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
