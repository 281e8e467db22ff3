package frontend_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/Leadrive/eventql/cluster"
	"github.com/Leadrive/eventql/frontend"
	"github.com/Leadrive/eventql/metadata"
)

func startServer(t *testing.T) string {
	t.Helper()

	cdir := cluster.NewLocalDirectory("server1", cluster.ClusterConfig{})
	store := metadata.NewStore(t.TempDir())
	srv := frontend.NewServer(metadata.NewService(store, cdir))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln) //nolint:errcheck // closed by test cleanup
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String()
}

func do(t *testing.T, method, uri string, body []byte) (int, []byte) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.SetBody(body)

	client := &fasthttp.Client{}
	require.NoError(t, client.DoTimeout(req, res, 5*time.Second))
	return res.StatusCode(), append([]byte(nil), res.Body()...)
}

func TestUnknownPathIs404(t *testing.T) {
	addr := startServer(t)
	status, _ := do(t, fasthttp.MethodPost, "http://"+addr+"/rpc/nope", nil)
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestGetIsRejected(t *testing.T) {
	addr := startServer(t)
	status, _ := do(t, fasthttp.MethodGet, "http://"+addr+metadata.DiscoverPartitionPath, nil)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)
}

func TestCreateFileEndToEnd(t *testing.T) {
	addr := startServer(t)

	file := &metadata.File{TxnID: [20]byte{1}}
	body, err := file.Encode()
	require.NoError(t, err)

	uri := "http://" + addr + metadata.CreateFilePath + "?namespace=ns&table=events"
	status, _ := do(t, fasthttp.MethodPost, uri, body)
	assert.Equal(t, fasthttp.StatusCreated, status)

	// Missing query args are a client error.
	status, _ = do(t, fasthttp.MethodPost, "http://"+addr+metadata.CreateFilePath, body)
	assert.Equal(t, fasthttp.StatusBadRequest, status)
}
