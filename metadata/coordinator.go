package metadata

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Leadrive/eventql/cluster"
	"github.com/Leadrive/eventql/metrics"
	"github.com/Leadrive/eventql/utils/log"
)

const (
	PerformOperationPath  = "/rpc/perform_metadata_operation"
	CreateFilePath        = "/rpc/create_metadata_file"
	DiscoverPartitionPath = "/rpc/discover_partition_metadata"

	rpcTimeout = 10 * time.Second
)

var (
	// ErrQuorumFailed is returned when more than (n-1)/2 metadata
	// servers failed the operation.
	ErrQuorumFailed = errors.New("error while performing metadata operation")

	// ErrChecksumDivergence is returned when successful servers report
	// different file checksums for the same operation; committing would
	// leave replicas with disagreeing files.
	ErrChecksumDivergence = errors.New("metadata operation would corrupt file")

	// ErrNoServerReachable is returned when discovery exhausted the
	// metadata server list.
	ErrNoServerReachable = errors.New("no metadata server has the requested transaction")
)

// Coordinator commits metadata operations with quorum across a table's
// metadata server set.
type Coordinator struct {
	cdir   cluster.ConfigDirectory
	client *fasthttp.Client
}

func NewCoordinator(cdir cluster.ConfigDirectory) *Coordinator {
	return &Coordinator{
		cdir: cdir,
		client: &fasthttp.Client{
			ReadTimeout:  rpcTimeout,
			WriteTimeout: rpcTimeout,
		},
	}
}

// PerformAndCommitOperation broadcasts op to the table's metadata
// servers and, on quorum success, advances the table's transaction
// pointer in the config directory.
func (c *Coordinator) PerformAndCommitOperation(ns, tableName string, op Operation) error {
	tableConfig, err := c.cdir.GetTableConfig(ns, tableName)
	if err != nil {
		return err
	}

	if tableConfig.MetadataTxnID != op.InputTxnID {
		metrics.MetadataOperationsTotal.WithLabelValues("conflict").Inc()
		return fmt.Errorf("%w: operation input txnid is stale", ErrConcurrentModification)
	}

	if err := c.performOperation(ns, tableName, op, tableConfig.MetadataServers); err != nil {
		metrics.MetadataOperationsTotal.WithLabelValues("failed").Inc()
		return err
	}

	tableConfig.MetadataTxnID = op.OutputTxnID
	tableConfig.MetadataTxnSeq++
	if err := c.cdir.UpdateTableConfig(tableConfig); err != nil {
		return err
	}

	metrics.MetadataOperationsTotal.WithLabelValues("committed").Inc()
	return nil
}

func (c *Coordinator) performOperation(
	ns, tableName string, op Operation, servers []string,
) error {
	numServers := len(servers)
	if numServers == 0 {
		return errors.New("server list can't be empty")
	}

	failures := 0
	checksums := make(map[[20]byte]bool)
	for _, s := range servers {
		var result OperationResult
		if err := c.performOne(ns, tableName, op, s, &result); err != nil {
			log.Debug("error while performing metadata operation: %v", err)
			failures++
			continue
		}
		checksums[result.FileChecksum] = true
	}

	if len(checksums) > 1 {
		return ErrChecksumDivergence
	}

	maxFailures := 0
	if numServers > 1 {
		maxFailures = (numServers - 1) / 2
	}

	if failures > maxFailures {
		return ErrQuorumFailed
	}
	return nil
}

func (c *Coordinator) performOne(
	ns, tableName string, op Operation, server string, result *OperationResult,
) error {
	serverCfg, err := c.cdir.GetServerConfig(server)
	if err != nil {
		return err
	}
	if serverCfg.Addr == "" {
		return fmt.Errorf("server is offline: %s", server)
	}

	log.Debug(
		"performing metadata operation %s on %s/%s (%s -> %s) on %s (%s)",
		op.OpType, ns, tableName,
		hex.EncodeToString(op.InputTxnID[:]),
		hex.EncodeToString(op.OutputTxnID[:]),
		server, serverCfg.Addr)

	body, err := op.Encode()
	if err != nil {
		return err
	}

	uri := fmt.Sprintf(
		"http://%s%s?namespace=%s&table=%s",
		serverCfg.Addr, PerformOperationPath,
		url.QueryEscape(ns), url.QueryEscape(tableName))

	status, resBody, err := c.post(uri, body)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusCreated {
		return fmt.Errorf("metadata server error: %s", string(resBody))
	}

	res, err := DecodeOperationResult(resBody)
	if err != nil {
		return err
	}
	*result = *res
	return nil
}

// CreateFile fans the initial metadata file of a table out to servers
// under the same quorum rule. There is no divergence check; the file is
// the initial state itself.
func (c *Coordinator) CreateFile(ns, tableName string, file *File, servers []string) error {
	numServers := len(servers)
	if numServers == 0 {
		return errors.New("server list can't be empty")
	}

	body, err := file.Encode()
	if err != nil {
		return err
	}

	failures := 0
	for _, s := range servers {
		if err := c.createOne(ns, tableName, body, s); err != nil {
			log.Debug("error while creating metadata file: %v", err)
			failures++
		}
	}

	maxFailures := 0
	if numServers > 1 {
		maxFailures = (numServers - 1) / 2
	}

	if failures > maxFailures {
		return errors.New("error while creating metadata file")
	}
	return nil
}

func (c *Coordinator) createOne(ns, tableName string, body []byte, server string) error {
	serverCfg, err := c.cdir.GetServerConfig(server)
	if err != nil {
		return err
	}
	if serverCfg.Addr == "" {
		return fmt.Errorf("server is offline: %s", server)
	}

	uri := fmt.Sprintf(
		"http://%s%s?namespace=%s&table=%s",
		serverCfg.Addr, CreateFilePath,
		url.QueryEscape(ns), url.QueryEscape(tableName))

	status, resBody, err := c.post(uri, body)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusCreated {
		return fmt.Errorf("metadata server error: %s", string(resBody))
	}
	return nil
}

// DiscoverPartition asks the table's metadata servers for the current
// assignment of a partition, in server order, skipping servers that are
// not up. A request whose MinTxnSeq is ahead of the directory's view
// fails fast with a concurrent modification error and leaves response
// untouched.
func (c *Coordinator) DiscoverPartition(
	request *PartitionDiscoveryRequest, response *PartitionDiscoveryResponse,
) error {
	tableCfg, err := c.cdir.GetTableConfig(request.Namespace, request.TableID)
	if err != nil {
		return err
	}

	if tableCfg.MetadataTxnSeq < request.MinTxnSeq {
		return fmt.Errorf("%w: no server at or above txnseq %d", ErrConcurrentModification, request.MinTxnSeq)
	}

	request.RequesterID = c.cdir.GetServerID()
	body, err := request.Encode()
	if err != nil {
		return err
	}

	for _, s := range tableCfg.MetadataServers {
		serverCfg, err := c.cdir.GetServerConfig(s)
		if err != nil || serverCfg.Status != cluster.ServerUp {
			continue
		}

		uri := fmt.Sprintf("http://%s%s", serverCfg.Addr, DiscoverPartitionPath)
		status, resBody, err := c.post(uri, body)
		if err != nil {
			log.Debug("metadata discovery failed: %v", err)
			continue
		}
		if status != fasthttp.StatusOK {
			log.Debug("metadata discovery failed: %s", string(resBody))
			continue
		}

		res, err := DecodeDiscoveryResponse(resBody)
		if err != nil {
			return err
		}
		*response = *res
		return nil
	}

	return ErrNoServerReachable
}

func (c *Coordinator) post(uri string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-msgpack")
	req.SetBody(body)

	if err := c.client.DoTimeout(req, res, rpcTimeout); err != nil {
		return 0, nil, err
	}

	resBody := append([]byte(nil), res.Body()...)
	return res.StatusCode(), resBody, nil
}
