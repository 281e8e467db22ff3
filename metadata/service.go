package metadata

import (
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/Leadrive/eventql/cluster"
	"github.com/Leadrive/eventql/metrics"
	"github.com/Leadrive/eventql/utils/log"
)

// Service is the server side of the metadata protocol: it applies
// operations to the local store and answers discovery requests from the
// store's head files.
type Service struct {
	store *Store
	cdir  cluster.ConfigDirectory
}

func NewService(store *Store, cdir cluster.ConfigDirectory) *Service {
	return &Service{store: store, cdir: cdir}
}

// HandlePerformOperation serves POST /rpc/perform_metadata_operation.
func (s *Service) HandlePerformOperation(ctx *fasthttp.RequestCtx) {
	ns := string(ctx.QueryArgs().Peek("namespace"))
	table := string(ctx.QueryArgs().Peek("table"))
	if ns == "" || table == "" {
		badRequest(ctx, "missing namespace or table")
		return
	}

	op, err := DecodeOperation(ctx.PostBody())
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}

	result, err := s.store.PerformOperation(ns, table, op)
	if err != nil {
		serverError(ctx, err)
		return
	}

	body, err := result.Encode()
	if err != nil {
		serverError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
	ctx.SetContentType("application/x-msgpack")
	ctx.SetBody(body)
}

// HandleCreateFile serves POST /rpc/create_metadata_file.
func (s *Service) HandleCreateFile(ctx *fasthttp.RequestCtx) {
	ns := string(ctx.QueryArgs().Peek("namespace"))
	table := string(ctx.QueryArgs().Peek("table"))
	if ns == "" || table == "" {
		badRequest(ctx, "missing namespace or table")
		return
	}

	file, err := DecodeFile(ctx.PostBody())
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}

	if err := s.store.CreateFile(ns, table, file); err != nil {
		serverError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
}

// HandleDiscoverPartition serves POST /rpc/discover_partition_metadata.
func (s *Service) HandleDiscoverPartition(ctx *fasthttp.RequestCtx) {
	metrics.DiscoveryRequestsTotal.Inc()

	req, err := DecodeDiscoveryRequest(ctx.PostBody())
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}

	tableCfg, err := s.cdir.GetTableConfig(req.Namespace, req.TableID)
	if err != nil {
		serverError(ctx, err)
		return
	}

	if tableCfg.MetadataTxnSeq < req.MinTxnSeq {
		serverError(ctx, errors.New("transaction not available yet"))
		return
	}

	file, err := s.store.GetHeadFile(req.Namespace, req.TableID)
	if err != nil {
		serverError(ctx, err)
		return
	}

	res := BuildDiscoveryResponse(file, tableCfg.MetadataTxnSeq, req)
	body, err := res.Encode()
	if err != nil {
		serverError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/x-msgpack")
	ctx.SetBody(body)
}

func badRequest(ctx *fasthttp.RequestCtx, msg string) {
	ctx.SetStatusCode(fasthttp.StatusBadRequest)
	ctx.SetBodyString(msg)
}

func serverError(ctx *fasthttp.RequestCtx, err error) {
	log.Debug("metadata service: %v", err)
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetBodyString(err.Error())
}
