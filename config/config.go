// Package config resolves node configuration from a YAML file plus
// environment overrides. It is loaded exactly once, in cmd/node's
// main, and handed into the core as a plain Config struct — nothing
// under internal/ or pkg/ reads the environment itself.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of resolvable node settings.
type Config struct {
	Node struct {
		ID       string `mapstructure:"id"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Pool struct {
		ID             string        `mapstructure:"id"`
		ReportInterval time.Duration `mapstructure:"report_interval"`
	} `mapstructure:"pool"`

	Datastore struct {
		Driver    string   `mapstructure:"driver"` // "etcd" or "mem"
		Endpoints []string `mapstructure:"endpoints"`
	} `mapstructure:"datastore"`

	RPC struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"rpc"`

	Consumer struct {
		Concurrency              int           `mapstructure:"concurrency"`
		ReservationHoldTime      time.Duration `mapstructure:"reservation_hold_time"`
		AutoDestroyCheckInterval time.Duration `mapstructure:"auto_destroy_check_interval"`
		DefaultSeatCount         int           `mapstructure:"default_seat_count"`
		MinSeatCount             int           `mapstructure:"min_seat_count"`
		MaxSeatCount             int           `mapstructure:"max_seat_count"`
		RoomFullAutoEmit         bool          `mapstructure:"room_full_auto_emit"`
		AutoDestroyOnIdle        bool          `mapstructure:"auto_destroy_on_idle"`
		AutoCreate               bool          `mapstructure:"auto_create"`
	} `mapstructure:"consumer"`

	Workload struct {
		Driver string `mapstructure:"driver"` // "docker" or "noop"
		Image  string `mapstructure:"image"`
	} `mapstructure:"workload"`
}

// Load reads path (YAML), applies RLB_-prefixed environment
// overrides, and unmarshals into a Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("RLB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.log_level", "info")
	v.SetDefault("pool.id", "global")
	v.SetDefault("pool.report_interval", 30*time.Second)
	v.SetDefault("datastore.driver", "mem")
	v.SetDefault("rpc.timeout", 15*time.Second)
	v.SetDefault("consumer.concurrency", 1)
	v.SetDefault("consumer.reservation_hold_time", 10*time.Second)
	v.SetDefault("consumer.auto_destroy_check_interval", 10*time.Second)
	v.SetDefault("consumer.default_seat_count", 4)
	v.SetDefault("consumer.auto_create", true)
	v.SetDefault("workload.driver", "noop")
	v.SetDefault("workload.image", "alpine:latest")
}
