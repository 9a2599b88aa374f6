// Package config holds the configuration types for the cmd tools.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Role represents the process's chosen role (server or client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Config stores the runtime and tool parameters, loadable from a TOML file
// or gathered from the interactive CLI prompts.
type Config struct {
	Role Role `toml:"role"`

	// Nexus / runtime options.
	UDPPort        uint16  `toml:"udp_port"`         // well-known management port
	NumBgThreads   int     `toml:"num_bg_threads"`   // background handler threads
	PktDropProb    float64 `toml:"pkt_drop_prob"`    // test only
	PhyPort        uint8   `toml:"phy_port"`         // fabric device port
	NumaNode       int     `toml:"numa_node"`        // allocator locality hint
	SessionCredits int     `toml:"session_credits"`  // outstanding requests per session
	UnexpPktWindow int     `toml:"unexp_pkt_window"` // concurrent unexpected reassemblies
	MaxMsgSize     int     `toml:"max_msg_size"`     // largest logical message

	// Tool options.
	ServerHost string `toml:"server_host"` // client: peer hostname
	ServerTID  uint16 `toml:"server_tid"`  // client: peer runtime thread id
	ReqSize    int    `toml:"req_size"`    // client: echo request payload size
	NumReqs    int    `toml:"num_reqs"`    // client: requests to issue
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Role:           RoleServer,
		UDPPort:        31851,
		SessionCredits: 8,
		UnexpPktWindow: 32,
		MaxMsgSize:     1 << 20,
		ServerHost:     "localhost",
		ServerTID:      1,
		ReqSize:        4096,
		NumReqs:        1000,
	}
}

// Load reads a TOML config file, applying defaults for absent keys.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if cfg.Role != RoleServer && cfg.Role != RoleClient {
		return Config{}, fmt.Errorf("invalid role %q (want %q or %q)", cfg.Role, RoleServer, RoleClient)
	}
	return cfg, nil
}
