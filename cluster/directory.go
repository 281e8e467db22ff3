package cluster

import (
	"fmt"
	"sync"
)

// ServerStatus is the liveness of a database server as seen by the
// config directory.
type ServerStatus int

const (
	ServerDown ServerStatus = iota
	ServerUp
)

type ServerConfig struct {
	ServerID string
	Addr     string
	Status   ServerStatus
}

// TableConfig carries the per-table settings the storage engine needs:
// the metadata transaction pointer, the metadata server set and the
// partitioning setup. Threshold overrides of zero mean "use the
// instance default".
type TableConfig struct {
	Namespace       string
	Table           string
	MetadataTxnID   [20]byte
	MetadataTxnSeq  uint64
	MetadataServers []string

	PartitionKey string
	Keyspace     KeyspaceType

	OverrideSplitThreshold  uint64
	OverrideMaxLSMSegments  int
	OverrideMaxArenaRecords int
	EnableAsyncSplit        bool
}

type ClusterConfig struct {
	ReplicationFactor int
}

// ConfigDirectory is the cluster-state collaborator: server addresses,
// table configuration and the local server identity. The production
// implementation is backed by the coordination service; tests and
// single-process deployments use LocalDirectory.
type ConfigDirectory interface {
	GetServerConfig(serverID string) (ServerConfig, error)
	ListServers() []ServerConfig
	GetTableConfig(ns, table string) (TableConfig, error)
	UpdateTableConfig(cfg TableConfig) error
	GetClusterConfig() ClusterConfig
	GetServerID() string
}

// LocalDirectory is an in-memory ConfigDirectory.
type LocalDirectory struct {
	mu       sync.RWMutex
	serverID string
	servers  map[string]ServerConfig
	tables   map[string]TableConfig
	cluster  ClusterConfig
}

func NewLocalDirectory(serverID string, cluster ClusterConfig) *LocalDirectory {
	return &LocalDirectory{
		serverID: serverID,
		servers:  map[string]ServerConfig{},
		tables:   map[string]TableConfig{},
		cluster:  cluster,
	}
}

func (d *LocalDirectory) PutServerConfig(cfg ServerConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers[cfg.ServerID] = cfg
}

func (d *LocalDirectory) GetServerConfig(serverID string) (ServerConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.servers[serverID]
	if !ok {
		return ServerConfig{}, fmt.Errorf("server not found: %s", serverID)
	}
	return cfg, nil
}

func (d *LocalDirectory) ListServers() []ServerConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ServerConfig, 0, len(d.servers))
	for _, cfg := range d.servers {
		out = append(out, cfg)
	}
	return out
}

func tableKey(ns, table string) string {
	return ns + "/" + table
}

func (d *LocalDirectory) GetTableConfig(ns, table string) (TableConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.tables[tableKey(ns, table)]
	if !ok {
		return TableConfig{}, fmt.Errorf("table not found: %s/%s", ns, table)
	}
	return cfg, nil
}

func (d *LocalDirectory) UpdateTableConfig(cfg TableConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[tableKey(cfg.Namespace, cfg.Table)] = cfg
	return nil
}

func (d *LocalDirectory) GetClusterConfig() ClusterConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cluster
}

func (d *LocalDirectory) GetServerID() string {
	return d.serverID
}
