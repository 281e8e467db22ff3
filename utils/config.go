package utils

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Leadrive/eventql/utils/log"
)

var InstanceConfig EvqlConfig

// Engine tuning defaults. Tables may override the split threshold and
// the segment/arena bounds through their TableConfig.
const (
	DefaultMaxLSMSegments          = 32
	DefaultMaxArenaRecords         = 131072
	DefaultPartitionSplitThreshold = uint64(512 * 1024 * 1024)
	DefaultSkipIndexCacheSize      = 1024
)

type EvqlConfig struct {
	BaseDirectory           string
	ListenAddr              string
	MetricsListenAddr       string
	ServerID                string
	StopGracePeriod         time.Duration
	MaxLSMSegments          int
	MaxArenaRecords         int
	PartitionSplitThreshold uint64
	SkipIndexCacheSize      int
	StartTime               time.Time
}

// ParseConfig loads an EvqlConfig from YAML bytes.
func ParseConfig(data []byte) (*EvqlConfig, error) {
	var (
		err error
		aux struct {
			BaseDirectory           string `yaml:"base_directory"`
			ListenAddr              string `yaml:"listen_addr"`
			MetricsListenAddr       string `yaml:"metrics_listen_addr"`
			ServerID                string `yaml:"server_id"`
			LogLevel                string `yaml:"log_level"`
			StopGracePeriod         int    `yaml:"stop_grace_period"`
			MaxLSMSegments          int    `yaml:"max_lsm_segments"`
			MaxArenaRecords         int    `yaml:"max_arena_records"`
			PartitionSplitThreshold uint64 `yaml:"partition_split_threshold"`
			SkipIndexCacheSize      int    `yaml:"skip_index_cache_size"`
		}
	)

	if err = yaml.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if aux.BaseDirectory == "" {
		return nil, errors.New("invalid base_directory")
	}
	if aux.ListenAddr == "" {
		return nil, errors.New("invalid listen_addr")
	}
	if aux.ServerID == "" {
		return nil, errors.New("invalid server_id")
	}

	if aux.LogLevel != "" {
		log.SetLevel(log.ParseLevel(aux.LogLevel))
	}

	cfg := &EvqlConfig{
		BaseDirectory:           aux.BaseDirectory,
		ListenAddr:              aux.ListenAddr,
		MetricsListenAddr:       aux.MetricsListenAddr,
		ServerID:                aux.ServerID,
		StopGracePeriod:         time.Duration(aux.StopGracePeriod) * time.Second,
		MaxLSMSegments:          aux.MaxLSMSegments,
		MaxArenaRecords:         aux.MaxArenaRecords,
		PartitionSplitThreshold: aux.PartitionSplitThreshold,
		SkipIndexCacheSize:      aux.SkipIndexCacheSize,
	}

	if cfg.MaxLSMSegments <= 0 {
		cfg.MaxLSMSegments = DefaultMaxLSMSegments
	}
	if cfg.MaxArenaRecords <= 0 {
		cfg.MaxArenaRecords = DefaultMaxArenaRecords
	}
	if cfg.PartitionSplitThreshold == 0 {
		cfg.PartitionSplitThreshold = DefaultPartitionSplitThreshold
	}
	if cfg.SkipIndexCacheSize <= 0 {
		cfg.SkipIndexCacheSize = DefaultSkipIndexCacheSize
	}

	return cfg, nil
}
