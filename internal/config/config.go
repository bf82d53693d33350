// Package config loads process configuration for cmd/client and
// cmd/gateway: a TOML file (path given by --config) merged with
// environment variables under a role-specific prefix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	flag "github.com/spf13/pflag"
)

// Load parses --config (defaulting to cfgDefault), reads the TOML file at
// that path if present, and merges in environment variables prefixed with
// envPrefix (double underscore becomes a key separator, e.g.
// FIREZONE_CLIENT_NODE__LISTEN_V4 -> node.listen_v4).
func Load(args []string, cfgDefault, envPrefix string) (*koanf.Koanf, error) {
	ko := koanf.New(".")
	f := flag.NewFlagSet(envPrefix, flag.ContinueOnError)
	f.Usage = func() { fmt.Fprintln(os.Stderr, f.FlagUsages()) }

	cfgPath := f.String("config", cfgDefault, "Path to a TOML config file to load.")
	if err := f.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := ko.Load(file.Provider(*cfgPath), toml.Parser()); err != nil {
		if *cfgPath != cfgDefault {
			return nil, fmt.Errorf("load config %s: %w", *cfgPath, err)
		}
		// Default config file missing is not fatal; env vars may fill it in.
	}

	if envPrefix != "" {
		err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
			return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("load env config: %w", err)
		}
	}

	return ko, nil
}

// NodeConfig is the UDP socket configuration shared by both roles.
type NodeConfig struct {
	ListenV4 string
	ListenV6 string
}

// AdminConfig configures the local gorilla/mux admin HTTP surface
// (health, metrics, debug state dump; see internal/api).
type AdminConfig struct {
	ListenAddr     string
	AllowedOrigins []string
	APIKeys        []string
}

func parseNode(ko *koanf.Koanf) NodeConfig {
	return NodeConfig{
		ListenV4: ko.String("node.listen_v4"),
		ListenV6: ko.String("node.listen_v6"),
	}
}

func parseAdmin(ko *koanf.Koanf) AdminConfig {
	cfg := AdminConfig{
		ListenAddr:     ko.String("admin.listen_addr"),
		AllowedOrigins: ko.Strings("admin.allowed_origins"),
		APIKeys:        ko.Strings("admin.api_keys"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9090"
	}
	return cfg
}

// ClientConfig is the process configuration for cmd/client.
type ClientConfig struct {
	LogLevel      string
	PrivateKeyB64 string
	PortalURL     string
	Node          NodeConfig
	Admin         AdminConfig
	TunMTU        int
}

// ParseClient reads a ClientConfig from ko.
func ParseClient(ko *koanf.Koanf) (*ClientConfig, error) {
	cfg := &ClientConfig{
		LogLevel:      ko.String("app.log_level"),
		PrivateKeyB64: ko.String("client.private_key"),
		PortalURL:     ko.String("client.portal_url"),
		Node:          parseNode(ko),
		Admin:         parseAdmin(ko),
		TunMTU:        ko.Int("client.tun_mtu"),
	}
	if cfg.TunMTU == 0 {
		cfg.TunMTU = 1280 // leave room for Noise and UDP headers
	}
	if cfg.PrivateKeyB64 == "" {
		return nil, fmt.Errorf("client.private_key is required")
	}
	return cfg, nil
}

// GatewayConfig is the process configuration for cmd/gateway.
type GatewayConfig struct {
	LogLevel        string
	PrivateKeyB64   string
	PortalURL       string
	Node            NodeConfig
	Admin           AdminConfig
	EgressV4        string
	EgressV6        string
	SweepInterval   time.Duration
	MaxInboundBytes uint64
}

// ParseGateway reads a GatewayConfig from ko.
func ParseGateway(ko *koanf.Koanf) (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		LogLevel:        ko.String("app.log_level"),
		PrivateKeyB64:   ko.String("gateway.private_key"),
		PortalURL:       ko.String("gateway.portal_url"),
		Node:            parseNode(ko),
		Admin:           parseAdmin(ko),
		EgressV4:        ko.String("gateway.egress_v4"),
		EgressV6:        ko.String("gateway.egress_v6"),
		SweepInterval:   ko.Duration("gateway.sweep_interval"),
		MaxInboundBytes: uint64(ko.Int64("gateway.max_inbound_bytes")),
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.PrivateKeyB64 == "" {
		return nil, fmt.Errorf("gateway.private_key is required")
	}
	return cfg, nil
}
