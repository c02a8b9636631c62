// Package config loads the handshake, metrics, and bloom-filter sizing
// parameters a peer session needs to start, from a JSON file with
// environment-variable overrides, following the teacher's
// database.LoadConfig pattern.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds everything cmd/peerctl needs to dial a peer and run.
type Config struct {
	PeerAddr      string  `json:"peer_addr"`
	Services      uint64  `json:"services"`
	UserAgent     string  `json:"user_agent"`
	StartHeight   int32   `json:"start_height"`
	Relay         bool    `json:"relay"`
	MetricsAddr   string  `json:"metrics_addr"`
	BloomN        int     `json:"bloom_n"`
	BloomP        float64 `json:"bloom_p"`
	UTXOSourceURL string  `json:"utxo_source_url"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		PeerAddr:    "127.0.0.1:8333",
		Services:    1, // ServiceNetwork
		UserAgent:   "/cirrus-peer:0.1.0/",
		StartHeight: 0,
		Relay:       false,
		MetricsAddr: ":9333",
		BloomN:      1000,
		BloomP:      0.0001,
	}
}

// LoadConfig reads path as JSON, falling back to Default for any field
// left unset, then applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing file: %w", err)
		}
	}

	if v := os.Getenv("PEER_ADDR"); v != "" {
		cfg.PeerAddr = v
	}
	if v := os.Getenv("PEER_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("PEER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("PEER_UTXO_SOURCE_URL"); v != "" {
		cfg.UTXOSourceURL = v
	}
	if v := os.Getenv("PEER_SERVICES"); v != "" {
		services, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PEER_SERVICES: %s", v)
		}
		cfg.Services = services
	}
	if v := os.Getenv("PEER_START_HEIGHT"); v != "" {
		height, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PEER_START_HEIGHT: %s", v)
		}
		cfg.StartHeight = int32(height)
	}
	if v := os.Getenv("PEER_RELAY"); v != "" {
		relay, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PEER_RELAY: %s", v)
		}
		cfg.Relay = relay
	}
	if v := os.Getenv("PEER_BLOOM_N"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PEER_BLOOM_N: %s", v)
		}
		cfg.BloomN = n
	}
	if v := os.Getenv("PEER_BLOOM_P"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PEER_BLOOM_P: %s", v)
		}
		cfg.BloomP = p
	}

	return cfg, nil
}
