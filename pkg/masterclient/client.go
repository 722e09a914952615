// Package masterclient is the block master RPC client pool spec.md treats
// as an external collaborator (§1, §6): "commit_block(worker_id, used_bytes,
// tier, medium, block_id, length)", idempotent on the master side, so the
// worker may retry freely.
package masterclient

import (
	"bytes"
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommitBlockRequest is the body of a commit_block call.
type CommitBlockRequest struct {
	WorkerID  uint64 `json:"worker_id"`
	UsedBytes int64  `json:"used_bytes"`
	Tier      string `json:"tier"`
	Medium    string `json:"medium"`
	BlockID   uint64 `json:"block_id"`
	Length    int64  `json:"length"`
}

// Client talks to a single block master.
type Client interface {
	CommitBlock(ctx context.Context, req CommitBlockRequest) error
}

// HTTPClient is the default Client, issuing a JSON POST per call. commit_block
// is idempotent server-side, so HTTPClient performs no internal retries —
// that policy lives with whatever calls it (spec.md §7: "the block store
// does not retry master RPCs internally except via the pool's own policy").
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClient creates a client for the master reachable at baseURL (e.g.
// "http://master:9998").
func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{baseURL: baseURL, hc: hc}
}

func (c *HTTPClient) CommitBlock(ctx context.Context, req CommitBlockRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode commit_block request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/commit_block", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build commit_block request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "commit_block RPC")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errors.Errorf("commit_block RPC: master returned status %d", resp.StatusCode)
	}
	return nil
}
