// Package config loads node configuration.
//
// Sources are layered, later ones winning: built-in defaults, the legacy
// SELF_ID / SELF_ADDR / REPLICATION_FACTOR variables, an optional YAML file,
// then ZEPHYR_-prefixed environment variables (ZEPHYR_REPLICATION_FACTOR ->
// replication.factor).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "ZEPHYR_"

type Config struct {
	Node        NodeConfig        `koanf:"node"`
	Etcd        EtcdConfig        `koanf:"etcd"`
	Replication ReplicationConfig `koanf:"replication"`
	Ring        RingConfig        `koanf:"ring"`
	Store       StoreConfig       `koanf:"store"`
	Detector    DetectorConfig    `koanf:"detector"`
	Log         LogConfig         `koanf:"log"`
}

type NodeConfig struct {
	ID     string `koanf:"id"`
	Addr   string `koanf:"addr"`   // advertised host:port
	Listen string `koanf:"listen"` // local bind address
}

type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dialtimeout"`
	LeaseTTL    int64         `koanf:"leasettl"` // seconds
}

type ReplicationConfig struct {
	Factor     int           `koanf:"factor"`
	AckTimeout time.Duration `koanf:"acktimeout"`
}

type RingConfig struct {
	Replicas int `koanf:"replicas"`
}

type StoreConfig struct {
	Capacity int `koanf:"capacity"` // bytes
}

type DetectorConfig struct {
	Interval  time.Duration `koanf:"interval"`
	Threshold float64       `koanf:"threshold"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaults() map[string]any {
	return map[string]any{
		"node.listen":            ":8080",
		"etcd.endpoints":         []string{"http://etcd:2379"},
		"etcd.dialtimeout":       "5s",
		"etcd.leasettl":          10,
		"replication.factor":     2,
		"replication.acktimeout": "2s",
		"ring.replicas":          128,
		"store.capacity":         64 << 20,
		"detector.interval":      "1s",
		"detector.threshold":     8.0,
		"log.level":              "info",
		"log.format":             "json",
	}
}

// legacyEnv maps the variables older deployments set to config keys.
var legacyEnv = map[string]string{
	"SELF_ID":            "node.id",
	"SELF_ADDR":          "node.addr",
	"REPLICATION_FACTOR": "replication.factor",
}

// Load reads configuration from all sources. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	legacy := map[string]any{}
	for name, key := range legacyEnv {
		if v := os.Getenv(name); v != "" {
			legacy[key] = v
		}
	}
	if err := k.Load(mapProvider(legacy), nil); err != nil {
		return nil, fmt.Errorf("load legacy env: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Node.Addr == "" {
		cfg.Node.Addr = cfg.Node.ID
	}
	cfg.Etcd.Endpoints = splitList(cfg.Etcd.Endpoints)
	return &cfg, nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Replication.Factor < 1 {
		errs = append(errs, fmt.Errorf("replication.factor must be >= 1, got %d", c.Replication.Factor))
	}
	if c.Store.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("store.capacity must be positive, got %d", c.Store.Capacity))
	}
	if c.Detector.Interval <= 0 {
		errs = append(errs, fmt.Errorf("detector.interval must be positive, got %s", c.Detector.Interval))
	}
	if len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("etcd.endpoints must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// splitList expands comma-separated entries, as set through a single env var.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// mapProvider feeds a map with dotted keys into koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(m, "."), nil
}
