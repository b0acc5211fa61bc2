package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/frommybrain/fatebox/internal/oracle"
	"github.com/frommybrain/fatebox/pkg/types"
)

// RPCClient reads accounts over the ledger's JSON-RPC API.
type RPCClient struct {
	url        string
	commitment string
	client     *rpc.Client
}

// NewRPCClient creates a JSON-RPC client over HTTP. commitment defaults to
// "confirmed". No connection is made until the first call.
func NewRPCClient(url, commitment string, timeout time.Duration) (*RPCClient, error) {
	if commitment == "" {
		commitment = "confirmed"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := rpc.DialOptions(context.Background(), url,
		rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("%w: rpc url %q: %w", types.ErrInvalidConfig, url, err)
	}
	return &RPCClient{url: url, commitment: commitment, client: client}, nil
}

var _ oracle.AccountReader = (*RPCClient)(nil)

type accountInfo struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *struct {
		Data     []string `json:"data"`
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
	} `json:"value"`
}

type accountInfoOpts struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment"`
}

// GetAccount returns the raw data of key, or types.ErrNotFound when the
// account does not exist.
func (c *RPCClient) GetAccount(ctx context.Context, key types.PublicKey) ([]byte, error) {
	var info *accountInfo
	err := c.client.CallContext(ctx, &info, "getAccountInfo", key.String(),
		accountInfoOpts{Encoding: "base64", Commitment: c.commitment})
	if err != nil {
		return nil, oracle.Classify(fmt.Errorf("getAccountInfo %s: %w", key, rpcError(c.url, err)))
	}
	if info == nil || info.Value == nil {
		return nil, fmt.Errorf("%w: account %s", types.ErrNotFound, key)
	}

	data := info.Value.Data
	if len(data) != 2 || data[1] != "base64" {
		return nil, fmt.Errorf("getAccountInfo %s: unexpected data encoding %v", key, data)
	}
	out, err := base64.StdEncoding.DecodeString(data[0])
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", key, err)
	}
	return out, nil
}

// Close releases the underlying client.
func (c *RPCClient) Close() {
	c.client.Close()
}

// rpcError maps non-2xx replies onto oracle.HTTPStatusError so status-based
// classification applies; everything else passes through.
func rpcError(url string, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return &oracle.HTTPStatusError{URL: url, StatusCode: httpErr.StatusCode, Body: string(httpErr.Body)}
	}
	return err
}
