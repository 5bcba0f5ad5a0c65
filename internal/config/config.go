// Package config loads process configuration from ARENA_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transport kinds.
const (
	TransportMQTT   = "mqtt"
	TransportLibp2p = "libp2p"
	TransportMemory = "memory"
)

// Config is the full process configuration.
type Config struct {
	Realm     string `env:"ARENA_REALM" envDefault:"realm"`
	Namespace string `env:"ARENA_NAMESPACE" envDefault:"public"`
	Scene     string `env:"ARENA_SCENE" envDefault:"default"`
	Username  string `env:"ARENA_USERNAME" envDefault:"anonymous"`

	Transport string `env:"ARENA_TRANSPORT" envDefault:"mqtt"`

	MQTTBrokerURL string `env:"ARENA_MQTT_BROKER_URL" envDefault:"tcp://127.0.0.1:1883"`
	MQTTUsername  string `env:"ARENA_MQTT_USERNAME"`
	MQTTToken     string `env:"ARENA_MQTT_TOKEN"`

	Libp2pListen      []string `env:"ARENA_LIBP2P_LISTEN" envSeparator:"," envDefault:"/ip4/0.0.0.0/tcp/0"`
	Libp2pBootstrap   []string `env:"ARENA_LIBP2P_BOOTSTRAP" envSeparator:","`
	Libp2pRendezvous  string   `env:"ARENA_LIBP2P_RENDEZVOUS" envDefault:"arena-scenesync"`
	Libp2pMDNS        bool     `env:"ARENA_LIBP2P_MDNS" envDefault:"true"`
	Libp2pIdentityKey string   `env:"ARENA_LIBP2P_IDENTITY_KEY"`

	PersistenceURL string `env:"ARENA_PERSISTENCE_URL"`

	FlushInterval    time.Duration `env:"ARENA_FLUSH_INTERVAL" envDefault:"5s"`
	TockInterval     time.Duration `env:"ARENA_TOCK_INTERVAL" envDefault:"50ms"`
	TTLSweepInterval time.Duration `env:"ARENA_TTL_SWEEP_INTERVAL" envDefault:"1s"`
	PublishRate      float64       `env:"ARENA_PUBLISH_RATE" envDefault:"50"`
	PublishBurst     int           `env:"ARENA_PUBLISH_BURST" envDefault:"100"`
	DedupeWindow     time.Duration `env:"ARENA_DEDUPE_WINDOW" envDefault:"30s"`

	HTTPAddr     string `env:"ARENA_HTTP_ADDR" envDefault:":8090"`
	LogLevel     string `env:"ARENA_LOG_LEVEL" envDefault:"info"`
	LogDev       bool   `env:"ARENA_LOG_DEV" envDefault:"false"`
	OTELEndpoint string `env:"ARENA_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates a Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("invalid config")

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Realm == "" || c.Namespace == "" || c.Scene == "" {
		return fmt.Errorf("%w: realm, namespace and scene are required", ErrInvalid)
	}
	switch c.Transport {
	case TransportMQTT:
		if c.MQTTBrokerURL == "" {
			return fmt.Errorf("%w: mqtt transport requires ARENA_MQTT_BROKER_URL", ErrInvalid)
		}
	case TransportLibp2p:
		if len(c.Libp2pListen) == 0 {
			return fmt.Errorf("%w: libp2p transport requires ARENA_LIBP2P_LISTEN", ErrInvalid)
		}
	case TransportMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.FlushInterval <= 0 || c.TockInterval <= 0 || c.TTLSweepInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalid)
	}
	if c.TockInterval > c.FlushInterval {
		return fmt.Errorf("%w: tock interval %s exceeds flush interval %s", ErrInvalid, c.TockInterval, c.FlushInterval)
	}
	return nil
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
