package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig

// Service endpoints
const (
	DefaultAuthURL  = "https://services.fandom.com/auth/token"
	DefaultChatHost = "chat.wikia-services.com"
)

// ConfigEnv names the environment variable Load reads the config path from.
const ConfigEnv = "WIKICHAT_CONFIG"

// Options tune client behavior.
type Options struct {
	// AutoReconnect reconnects a room after its socket drops.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// ReconnectDelay is the wait before a reconnect. Zero means 5s.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ForceHTTP connects to the chat host over ws:// instead of wss://.
	ForceHTTP bool `yaml:"force_http"`

	// DefaultImageSize is the avatar width used by User.AvatarURL.
	DefaultImageSize int `yaml:"default_image_size"`
}

// Config configures a Client.
type Config struct {
	Username string  `yaml:"username"`
	Password string  `yaml:"password"`
	Options  Options `yaml:"options"`

	// AuthURL is the credential handshake endpoint.
	AuthURL string `yaml:"auth_url"`

	// ChatURL overrides the push socket endpoint derived from
	// DefaultChatHost and Options.ForceHTTP.
	ChatURL string `yaml:"chat_url"`

	// MessageLimit caps each room's message history. Negative keeps
	// everything.
	MessageLimit int `yaml:"message_limit"`

	// LogLevel is used to build a logger when Logger is nil.
	LogLevel string `yaml:"log_level"`

	// Rooms are connected by Client.Connect when it is called without
	// arguments.
	Rooms []wikichat.Descriptor `yaml:"rooms"`

	// RateLimit limits outbound frames per room. NewConfig sets
	// DefaultRateLimitConfig; nil disables limiting.
	RateLimit *RateLimitConfig `yaml:"-"`

	HTTPClient *http.Client     `yaml:"-"`
	UserAgent  string           `yaml:"user_agent"`
	Dialer     wikichat.Dialer  `yaml:"-"`
	Logger     *slog.Logger     `yaml:"-"`
	Now        func() time.Time `yaml:"-"`
}

// NewConfig returns a configuration with the default endpoints, a
// 1000-message history and the default outbound rate limit.
//
// Example:
//
//	cfg := chat.NewConfig("user", "pass")
//	cfg.Options.AutoReconnect = true
//	client, err := chat.New(cfg)
func NewConfig(username, password string) *Config {
	return &Config{
		Username: username,
		Password: password,
		Options: Options{
			DefaultImageSize: wikichat.DefaultImageSize,
		},
		AuthURL:      DefaultAuthURL,
		MessageLimit: wikichat.DefaultMessageCacheSize,
		LogLevel:     LevelInfo.String(),
		RateLimit:    DefaultRateLimitConfig(),
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// Load loads configuration from the file named by WIKICHAT_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it to the path of your wikichat.yaml config file", ConfigEnv)
	}
	return LoadFile(path)
}

// LoadFile loads a YAML configuration file over the defaults of NewConfig.
// ${VAR} and ${VAR:-default} are expanded in the credentials.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := NewConfig("", "")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Username = expandVars(cfg.Username)
	cfg.Password = expandVars(cfg.Password)
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors. Every error wraps
// wikichat.ErrValidation.
func (c *Config) Validate() error {
	var errs []error

	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.AuthURL == "" {
		errs = append(errs, errors.New("auth_url is required"))
	}
	if c.Options.DefaultImageSize < 0 {
		errs = append(errs, errors.New("options.default_image_size must not be negative"))
	}
	if c.Options.ReconnectDelay < 0 {
		errs = append(errs, errors.New("options.reconnect_delay must not be negative"))
	}
	for _, d := range c.Rooms {
		if err := normalize(d).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rooms: %s: %w", d, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", wikichat.ErrValidation, errors.Join(errs...))
	}
	return nil
}

func (c *Config) chatURL() string {
	if c.ChatURL != "" {
		return c.ChatURL
	}
	if c.Options.ForceHTTP {
		return "http://" + DefaultChatHost
	}
	return "https://" + DefaultChatHost
}

// rateLimit returns the outbound limit handed to the dialer. The dialer
// treats nil as the default limit, so nil is turned into NoRateLimit here.
func (c *Config) rateLimit() *RateLimitConfig {
	if c.RateLimit == nil {
		return NoRateLimit()
	}
	return c.RateLimit
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.LogLevel == "" {
		return slog.Default()
	}
	return NewLogger(ParseLevel(c.LogLevel), os.Stderr)
}
