package config

import (
	"fmt"
	"os"
	"sort"

	gotoml "github.com/pelletier/go-toml/v2"
)

// Template renders DefaultNodeConfig as a TOML file, with one example peer.
func Template() (string, error) {
	def := DefaultNodeConfig()
	raw := fileConfig{
		Identity:      def.Identity.String(),
		ListenAddr:    def.ListenAddr,
		AdminAddr:     "127.0.0.1:7401",
		CorsOrigins:   []string{"http://localhost:3000"},
		MaxPayload:    def.Conn.MaxPayload,
		ReadTimeout:   def.ReadTimeout.String(),
		WriteTimeout:  def.Conn.WriteTimeout.String(),
		RetryAttempts: def.Backoff.MaxAttempts,
		RetryInitial:  def.Backoff.InitialDelay.String(),
		RetryMaxDelay: def.Backoff.MaxDelay.String(),
		Peers:         []PeerEntry{{ID: "msgconn.peer", Addr: "127.0.0.1:7500"}},
	}
	out, err := gotoml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(out), nil
}

// Render encodes cfg in the same file layout LoadNodeConfig reads.
func Render(cfg NodeConfig) (string, error) {
	raw := fileConfig{
		Identity:      cfg.Identity.String(),
		ListenAddr:    cfg.ListenAddr,
		AdminAddr:     cfg.AdminAddr,
		CorsOrigins:   cfg.CorsOrigins,
		MaxPayload:    cfg.Conn.MaxPayload,
		ReadTimeout:   cfg.ReadTimeout.String(),
		WriteTimeout:  cfg.Conn.WriteTimeout.String(),
		Token:         cfg.Conn.Token,
		RetryAttempts: cfg.Backoff.MaxAttempts,
		RetryInitial:  cfg.Backoff.InitialDelay.String(),
		RetryMaxDelay: cfg.Backoff.MaxDelay.String(),
	}
	for id, addr := range cfg.Peers {
		raw.Peers = append(raw.Peers, PeerEntry{ID: id.String(), Addr: addr})
	}
	sort.Slice(raw.Peers, func(i, j int) bool {
		return raw.Peers[i].ID < raw.Peers[j].ID
	})
	out, err := gotoml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
