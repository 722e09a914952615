package workerclient

import (
	"bytes"
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client issues load_file calls against a single worker.
type Client interface {
	LoadFile(ctx context.Context, req LoadFileRequest) (LoadFileResponse, error)
}

// HTTPClient is the default Client.
type HTTPClient struct {
	addr string
	hc   *http.Client
}

// NewHTTPClient creates a client for the worker reachable at addr (e.g.
// "http://worker-3:9999").
func NewHTTPClient(addr string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{addr: addr, hc: hc}
}

func (c *HTTPClient) LoadFile(ctx context.Context, req LoadFileRequest) (LoadFileResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return LoadFileResponse{}, errors.Wrap(err, "encode load_file request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/api/v1/load_file", bytes.NewReader(body))
	if err != nil {
		return LoadFileResponse{}, errors.Wrap(err, "build load_file request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return LoadFileResponse{}, errors.Wrap(err, "load_file RPC")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return LoadFileResponse{}, errors.Errorf("load_file RPC: worker %s returned status %d", c.addr, resp.StatusCode)
	}

	var out LoadFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LoadFileResponse{}, errors.Wrap(err, "decode load_file response")
	}
	return out, nil
}
