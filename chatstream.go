// Package chatstream assembles the chat client core from configuration:
// the session store, the streaming transport, the history backend and
// the submission controller, wired together the same way every
// embedding surface (CLI, UI shell, tests) consumes them.
package chatstream

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"gopkg.in/yaml.v3"

	"github.com/chatstream-dev/chatstream/internal/observability"
	"github.com/chatstream-dev/chatstream/pkg/chat"
	"github.com/chatstream-dev/chatstream/pkg/history"
	"github.com/chatstream-dev/chatstream/pkg/render"
	"github.com/chatstream-dev/chatstream/pkg/session"
	"github.com/chatstream-dev/chatstream/pkg/transport"
	"github.com/chatstream-dev/chatstream/pkg/viewport"
)

// Config is the top-level configuration.
type Config struct {
	Transport     TransportConfig     `yaml:"transport"`
	History       HistoryConfig       `yaml:"history,omitempty"`
	Session       SessionConfig       `yaml:"session,omitempty"`
	UI            UIConfig            `yaml:"ui,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// TransportConfig selects and configures the streaming backend.
type TransportConfig struct {
	// Kind is the transport flavor: "sse" (native packet protocol,
	// default) or "openai" (any OpenAI-compatible completion API,
	// adapted to the packet protocol).
	Kind string `yaml:"kind"`

	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token. APIKeyEnv names an environment
	// variable to read it from instead; the literal key wins when both
	// are set.
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Model is the model identifier for the "openai" kind.
	Model string `yaml:"model,omitempty"`

	// MaxConnectAttempts bounds connection retries per submission
	// ("sse" kind). Default: 3.
	MaxConnectAttempts int `yaml:"max_connect_attempts,omitempty"`

	// RetryInterval paces connection retries, e.g. "2s".
	RetryInterval string `yaml:"retry_interval,omitempty"`
}

// HistoryConfig configures conversation persistence.
type HistoryConfig struct {
	// Backend is the storage backend: "file" (default), "redis" or
	// "none" for in-memory-only sessions.
	Backend string `yaml:"backend"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.chatstream/history
	BaseDir string `yaml:"base_dir,omitempty"`

	Redis RedisDef `yaml:"redis,omitempty"`
}

// RedisDef configures the Redis history backend.
type RedisDef struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	// SessionTTL is the session expiry, e.g. "720h". Empty means never
	// expire.
	SessionTTL string `yaml:"session_ttl,omitempty"`
	PoolSize   int    `yaml:"pool_size,omitempty"`
}

// SessionConfig configures the in-memory session store.
type SessionConfig struct {
	// MaxSessions bounds resident sessions; the least recently used
	// non-current session is evicted past it. 0 means unbounded.
	MaxSessions int `yaml:"max_sessions,omitempty"`
}

// UIConfig carries presentation tunables consumed by the rendering
// surfaces.
type UIConfig struct {
	// MinDisplayDuration is how long a transient phase indicator stays
	// visible even when its phase ends sooner, e.g. "800ms".
	MinDisplayDuration string `yaml:"min_display_duration,omitempty"`

	// BottomBuffer is the near-bottom tolerance in pixels for
	// follow-scrolling during streaming.
	BottomBuffer int `yaml:"bottom_buffer,omitempty"`
}

// ObservabilityConfig configures the metrics endpoint. Tracing is
// configured separately through OTEL_* environment variables.
type ObservabilityConfig struct {
	// MetricsAddr, when set, serves Prometheus metrics at
	// <addr>/metrics.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// MinDisplay returns the configured minimum phase display duration, or
// the default when unset or malformed.
func (c *Config) MinDisplay() time.Duration {
	if c.UI.MinDisplayDuration == "" {
		return render.DefaultMinDisplay
	}
	d, err := time.ParseDuration(c.UI.MinDisplayDuration)
	if err != nil || d < 0 {
		log.Printf("[Config] invalid min_display_duration %q, using default", c.UI.MinDisplayDuration)
		return render.DefaultMinDisplay
	}
	return d
}

// BottomBuffer returns the configured near-bottom tolerance, or the
// default when unset.
func (c *Config) BottomBuffer() int {
	if c.UI.BottomBuffer <= 0 {
		return viewport.DefaultBottomBuffer
	}
	return c.UI.BottomBuffer
}

// maxConfigSize bounds config files so a mispointed path cannot balloon
// memory.
const maxConfigSize = 1 << 20

// FileReader reads files. The seam keeps config loading testable.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from the user's own CLI flag
}

// ConfigLoader loads configuration from a file.
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a config loader.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads and parses a config file.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxConfigSize)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// LoadConfig loads a config file from disk.
func LoadConfig(configPath string) (*Config, error) {
	return NewConfigLoader(&OSFileReader{}).LoadConfig(configPath)
}

// SubmitParams re-exports the controller's submission parameters so
// embedding surfaces only import the root package.
type SubmitParams = chat.SubmitParams

// Hooks are optional caller-supplied callbacks the controller raises.
type Hooks struct {
	// Notify surfaces user-visible notices.
	Notify func(msg string)
	// Navigate is called when a brand-new session's first turn
	// completes.
	Navigate func(sessionID string)
}

// Client is the assembled chat core.
type Client struct {
	Store      *session.Store
	Controller *chat.Controller
	History    history.Store
	Transport  transport.Transport

	cfg *Config
}

// New assembles a client from configuration. Tracing is initialized
// from the environment; a failure there degrades to a warning, never a
// startup failure.
func New(cfg *Config, hooks Hooks) (*Client, error) {
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}
	observability.InitMetrics()

	tr, err := buildTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}

	hist, err := buildHistory(cfg.History)
	if err != nil {
		return nil, err
	}

	store := session.NewStore(session.Options{MaxSessions: cfg.Session.MaxSessions})

	controller := chat.New(chat.Options{
		Store:     store,
		Transport: tr,
		History:   hist,
		Notify:    hooks.Notify,
		Navigate:  hooks.Navigate,
	})

	return &Client{
		Store:      store,
		Controller: controller,
		History:    hist,
		Transport:  tr,
		cfg:        cfg,
	}, nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *Config { return c.cfg }

// Close drains in-flight submissions and releases resources.
func (c *Client) Close(ctx context.Context) error {
	c.Controller.Wait()

	var firstErr error
	if c.History != nil {
		if err := c.History.Close(); err != nil {
			firstErr = err
		}
	}
	if err := observability.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func buildTransport(tc TransportConfig) (transport.Transport, error) {
	apiKey := tc.APIKey
	if apiKey == "" && tc.APIKeyEnv != "" {
		apiKey = os.Getenv(tc.APIKeyEnv)
	}

	switch tc.Kind {
	case "", "sse":
		if tc.BaseURL == "" {
			return nil, fmt.Errorf("transport: base_url is required for the sse kind")
		}
		var retry time.Duration
		if tc.RetryInterval != "" {
			d, err := time.ParseDuration(tc.RetryInterval)
			if err != nil {
				return nil, fmt.Errorf("transport: invalid retry_interval: %w", err)
			}
			retry = d
		}
		return transport.NewSSEClient(transport.SSEOptions{
			BaseURL:            tc.BaseURL,
			APIKey:             apiKey,
			MaxConnectAttempts: tc.MaxConnectAttempts,
			RetryInterval:      retry,
		}), nil

	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("transport: an API key is required for the openai kind")
		}
		clientCfg := openai.DefaultConfig(apiKey)
		if tc.BaseURL != "" {
			clientCfg.BaseURL = tc.BaseURL
		}
		return transport.NewOpenAICompat(openai.NewClientWithConfig(clientCfg), tc.Model), nil

	default:
		return nil, fmt.Errorf("transport: unknown kind %q", tc.Kind)
	}
}

// NewHistory builds just the history backend from configuration, for
// surfaces that manage stored conversations without opening a
// transport.
func NewHistory(cfg *Config) (history.Store, error) {
	return buildHistory(cfg.History)
}

func buildHistory(hc HistoryConfig) (history.Store, error) {
	switch hc.Backend {
	case "", "file":
		return history.NewFileStore(hc.BaseDir)

	case "redis":
		var ttl time.Duration
		if hc.Redis.SessionTTL != "" {
			d, err := time.ParseDuration(hc.Redis.SessionTTL)
			if err != nil {
				return nil, fmt.Errorf("history: invalid session_ttl: %w", err)
			}
			ttl = d
		}
		return history.NewRedisStore(history.RedisConfig{
			Addr:       hc.Redis.Addr,
			Password:   hc.Redis.Password,
			DB:         hc.Redis.DB,
			Prefix:     hc.Redis.Prefix,
			SessionTTL: ttl,
			PoolSize:   hc.Redis.PoolSize,
		})

	case "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("history: unknown backend %q", hc.Backend)
	}
}
