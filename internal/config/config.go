package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/msgconn/internal/conn"
	"github.com/danmuck/msgconn/internal/transport"
)

// NodeConfig configures one msgconn endpoint.
type NodeConfig struct {
	Identity    transport.Identity
	ListenAddr  string
	AdminAddr   string
	CorsOrigins []string
	ReadTimeout time.Duration
	Peers       map[transport.Identity]string
	Conn        conn.Config
	Backoff     transport.BackoffConfig
}

type PeerEntry struct {
	ID   string `toml:"id"`
	Addr string `toml:"addr"`
}

type fileConfig struct {
	Identity      string      `toml:"identity"`
	ListenAddr    string      `toml:"listen_addr"`
	AdminAddr     string      `toml:"admin_addr"`
	CorsOrigins   []string    `toml:"cors_origins"`
	MaxPayload    int         `toml:"max_payload"`
	ReadTimeout   string      `toml:"read_timeout"`
	WriteTimeout  string      `toml:"write_timeout"`
	Token         uint32      `toml:"token"`
	RetryAttempts int         `toml:"retry_attempts"`
	RetryInitial  string      `toml:"retry_initial_delay"`
	RetryMaxDelay string      `toml:"retry_max_delay"`
	Peers         []PeerEntry `toml:"peers"`
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Identity:    "msgconn.local",
		ListenAddr:  "127.0.0.1:7400",
		AdminAddr:   "",
		CorsOrigins: []string{},
		ReadTimeout: 5 * time.Second,
		Peers:       map[transport.Identity]string{},
		Conn:        conn.DefaultConfig(),
		Backoff:     transport.DefaultBackoffConfig(),
	}
}

// LoadNodeConfig decodes path over DefaultNodeConfig; keys absent from the
// file keep their defaults.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("identity") {
		cfg.Identity = transport.Identity(strings.TrimSpace(raw.Identity))
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("max_payload") {
		cfg.Conn.MaxPayload = raw.MaxPayload
	}
	if meta.IsDefined("token") {
		cfg.Conn.Token = raw.Token
	}
	if meta.IsDefined("read_timeout") {
		if cfg.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.Conn.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("retry_attempts") {
		cfg.Backoff.MaxAttempts = raw.RetryAttempts
	}
	if meta.IsDefined("retry_initial_delay") {
		if cfg.Backoff.InitialDelay, err = parseDuration("retry_initial_delay", raw.RetryInitial); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("retry_max_delay") {
		if cfg.Backoff.MaxDelay, err = parseDuration("retry_max_delay", raw.RetryMaxDelay); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("peers") {
		for i, p := range raw.Peers {
			id := transport.Identity(strings.TrimSpace(p.ID))
			if id.IsZero() {
				return NodeConfig{}, fmt.Errorf("peers[%d] missing id", i)
			}
			cfg.Peers[id] = strings.TrimSpace(p.Addr)
		}
	}

	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if cfg.Identity.IsZero() {
		return fmt.Errorf("node config missing identity")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("node config missing listen_addr")
	}
	if cfg.Conn.MaxPayload <= 0 {
		return fmt.Errorf("node config max_payload must be positive")
	}
	if cfg.Conn.MaxPayload > 64*1024-transport.FixedHeaderLen-255 {
		return fmt.Errorf("node config max_payload %d exceeds one udp datagram", cfg.Conn.MaxPayload)
	}
	for id, addr := range cfg.Peers {
		if id == cfg.Identity {
			return fmt.Errorf("peer %s is the node itself", id)
		}
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("peer %s missing addr", id)
		}
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
