// Package config loads the client runtime settings from YAML. Defaults are
// filled in before the file is parsed, so a config file only needs the keys
// it wants to change.
package config

import (
	"context"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/marionette/pkg/channel"
	"github.com/go-go-golems/marionette/pkg/history"
	"github.com/go-go-golems/marionette/pkg/persistence/sessionlog"
	"github.com/go-go-golems/marionette/pkg/session"
	"github.com/go-go-golems/marionette/pkg/streambus"
	"github.com/go-go-golems/marionette/pkg/timeline"
)

// Config is the whole client configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Channel    ChannelConfig           `yaml:"channel"`
	Reducer    ReducerConfig           `yaml:"reducer"`
	ToolPanel  ToolPanelConfig         `yaml:"tool_panel"`
	Redis      streambus.RedisSettings `yaml:"redis"`
	SessionLog SessionLogConfig        `yaml:"session_log"`
}

// ServerConfig names the backend endpoints.
type ServerConfig struct {
	// BaseURL is the backend origin, http(s) or ws(s).
	BaseURL string `yaml:"base_url"`
	// WSPath is the websocket route under BaseURL.
	WSPath string `yaml:"ws_path"`
	// HistoryPathTemplate is the persisted-events route with one %s slot for
	// the conversation id.
	HistoryPathTemplate string `yaml:"history_path_template"`
}

// ChannelConfig tunes the duplex channel.
type ChannelConfig struct {
	Heartbeat    time.Duration `yaml:"heartbeat"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

// ReducerConfig tunes turn grouping.
type ReducerConfig struct {
	// StandaloneRoles never merge consecutive messages into one group.
	StandaloneRoles []string `yaml:"standalone_roles"`
}

// ToolPanelConfig selects which activity shows up in the tool side panel.
type ToolPanelConfig struct {
	// Tools match declared tool calls by name.
	Tools []string `yaml:"tools"`
	// ContentMarkers match streamed text for tools that announce themselves
	// before a structured call appears.
	ContentMarkers []string `yaml:"content_markers"`
}

// SessionLogConfig selects the local event archive.
type SessionLogConfig struct {
	// Path names the sqlite file. Empty keeps the archive in memory.
	Path string `yaml:"path"`
	// InMemoryMaxEvents caps the per-conversation ring of the memory store.
	InMemoryMaxEvents int `yaml:"in_memory_max_events"`
}

// Default returns the settings used when no config file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:             "http://localhost:8080",
			WSPath:              "/ws",
			HistoryPathTemplate: history.DefaultEventsPath,
		},
		Channel: ChannelConfig{
			Heartbeat:    30 * time.Second,
			OpenTimeout:  15 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendTimeout:  30 * time.Second,
		},
		Reducer: ReducerConfig{
			StandaloneRoles: []string{"summarizer"},
		},
	}
}

// Load reads a YAML config file over the defaults, so partial files work.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file falls back to Default.
// Unreadable or invalid files still fail.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && os.IsNotExist(errors.Cause(err)) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects configs that cannot produce a working client.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.Server.BaseURL)
	if base == "" {
		return errors.New("server.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return errors.Wrap(err, "server.base_url")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Errorf("server.base_url scheme %q is not supported", u.Scheme)
	}
	if c.Server.WSPath != "" && !strings.HasPrefix(c.Server.WSPath, "/") {
		return errors.New("server.ws_path must start with /")
	}
	if tmpl := c.Server.HistoryPathTemplate; tmpl != "" && !strings.Contains(tmpl, "%s") {
		return errors.New("server.history_path_template needs a %s slot for the conversation id")
	}
	for name, d := range map[string]time.Duration{
		"channel.heartbeat":     c.Channel.Heartbeat,
		"channel.open_timeout":  c.Channel.OpenTimeout,
		"channel.write_timeout": c.Channel.WriteTimeout,
		"channel.send_timeout":  c.Channel.SendTimeout,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.SessionLog.InMemoryMaxEvents < 0 {
		return errors.New("session_log.in_memory_max_events must not be negative")
	}
	return nil
}

// WSURL builds the websocket endpoint for one conversation. http(s) base
// URLs are rewritten to their ws(s) form.
func (c *Config) WSURL(convID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.Server.BaseURL))
	if err != nil {
		return "", errors.Wrap(err, "parse base_url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("base_url scheme %q has no websocket form", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Server.WSPath
	q := u.Query()
	q.Set("conv_id", convID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialConfig assembles the websocket settings for one conversation. The
// bearer token is runtime state, so callers pass it in.
func (c *Config) DialConfig(convID, token string) (channel.Config, error) {
	wsURL, err := c.WSURL(convID)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		URL:          wsURL,
		Token:        token,
		PingInterval: c.Channel.Heartbeat,
		WriteTimeout: c.Channel.WriteTimeout,
	}, nil
}

// DialFactory returns the connection constructor the session manager uses.
// open_timeout bounds the dial; readiness still surfaces through the session
// once the server greets.
func (c *Config) DialFactory(token string) session.ChannelFactory {
	return func(ctx context.Context, convID string) (*channel.Channel, error) {
		dialCfg, err := c.DialConfig(convID, token)
		if err != nil {
			return nil, err
		}
		ch, err := channel.NewChannel(dialCfg)
		if err != nil {
			return nil, err
		}
		dialCtx, cancel := c.Channel.OpenContext(ctx)
		defer cancel()
		if err := ch.Open(dialCtx); err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// OpenContext bounds a dial or readiness wait with open_timeout. Zero leaves
// the caller's context alone.
func (cc ChannelConfig) OpenContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if cc.OpenTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, cc.OpenTimeout)
}

// SendContext bounds one queued send with send_timeout. Zero leaves the
// caller's context alone.
func (cc ChannelConfig) SendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if cc.SendTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, cc.SendTimeout)
}

// ReducerOptions carries the reducer block into timeline.NewReducer.
func (c *Config) ReducerOptions() []timeline.Option {
	var opts []timeline.Option
	if len(c.Reducer.StandaloneRoles) > 0 {
		opts = append(opts, timeline.WithStandaloneRoles(c.Reducer.StandaloneRoles...))
	}
	return opts
}

// ToolSignature converts the tool panel block into the timeline matcher.
func (c *Config) ToolSignature() timeline.ToolSignature {
	return timeline.ToolSignature{
		Names:   c.ToolPanel.Tools,
		Markers: c.ToolPanel.ContentMarkers,
	}
}

// HistoryOptions carries the server block into the history client.
func (c *Config) HistoryOptions() []history.ClientOption {
	var opts []history.ClientOption
	if c.Server.HistoryPathTemplate != "" {
		opts = append(opts, history.WithEventsPath(c.Server.HistoryPathTemplate))
	}
	return opts
}

// OpenSessionLog opens the archive named by the session_log block: a sqlite
// file when a path is set, the bounded in-memory store otherwise.
func (c *Config) OpenSessionLog() (sessionlog.Store, error) {
	if strings.TrimSpace(c.SessionLog.Path) == "" {
		return sessionlog.NewMemoryStore(c.SessionLog.InMemoryMaxEvents), nil
	}
	dsn, err := sessionlog.DSNForFile(c.SessionLog.Path)
	if err != nil {
		return nil, err
	}
	return sessionlog.NewSQLiteStore(dsn)
}

// Backend builds the stream transport selected by the redis block.
func (c *Config) Backend() (streambus.Backend, error) {
	return streambus.NewBackend(c.Redis)
}
