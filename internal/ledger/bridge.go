// ============================================================================
// Ledger bridge client
// ============================================================================
//
// Package: internal/ledger
// File: bridge.go
// Purpose: HTTP client for the ledger bridge service, which owns the oracle
//          SDK and the signing keys. It implements both oracle.Gateway (the
//          primary reveal path) and oracle.Submitter.
//
//   POST /v1/randomness/create   CreateParams  -> CreateResult
//   POST /v1/randomness/commit   CommitParams  -> CommitResult
//   POST /v1/randomness/reveal   RevealParams  -> Instruction
//   POST /v1/submit              Bundle        -> {"signature": "..."}
//   POST /v1/settle              settleRequest -> {"signature": "..."}
//
// ============================================================================

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/frommybrain/fatebox/internal/oracle"
	"github.com/frommybrain/fatebox/pkg/types"
)

const maxResponseBytes = 4 << 20

// BridgeClient talks to the ledger bridge over HTTP JSON.
type BridgeClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewBridgeClient creates a bridge client. apiKey may be empty.
func NewBridgeClient(baseURL, apiKey string, timeout time.Duration) *BridgeClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

var (
	_ oracle.Gateway   = (*BridgeClient)(nil)
	_ oracle.Submitter = (*BridgeClient)(nil)
)

func (c *BridgeClient) CreateInstruction(ctx context.Context, p oracle.CreateParams) (oracle.CreateResult, error) {
	var out oracle.CreateResult
	err := c.post(ctx, "/v1/randomness/create", p, &out)
	return out, err
}

func (c *BridgeClient) CommitInstruction(ctx context.Context, p oracle.CommitParams) (oracle.CommitResult, error) {
	var out oracle.CommitResult
	err := c.post(ctx, "/v1/randomness/commit", p, &out)
	return out, err
}

// RevealInstruction asks the bridge to fetch the oracle's reveal through the
// SDK gateway. Gateway failures come back as 502/504 and classify as
// network errors, which makes the coordinator try the fallback gateway.
func (c *BridgeClient) RevealInstruction(ctx context.Context, p oracle.RevealParams) (oracle.Instruction, error) {
	var out oracle.Instruction
	err := c.post(ctx, "/v1/randomness/reveal", p, &out)
	return out, err
}

type submitResponse struct {
	Signature string `json:"signature"`
}

// Submit lands b and returns the transaction signature.
func (c *BridgeClient) Submit(ctx context.Context, b oracle.Bundle) (string, error) {
	var out submitResponse
	if err := c.post(ctx, "/v1/submit", b, &out); err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", fmt.Errorf("submit %s: empty signature in response", b.Label)
	}
	return out.Signature, nil
}

type settleRequest struct {
	ProjectID uint64          `json:"project_id"`
	BoxID     types.BoxID     `json:"box_id"`
	Owner     types.PublicKey `json:"owner"`
	Amount    uint64          `json:"amount"`
}

// Settle transfers amount from the project vault to the box owner.
func (c *BridgeClient) Settle(ctx context.Context, box types.Box, amount uint64) (string, error) {
	var out submitResponse
	err := c.post(ctx, "/v1/settle", settleRequest{
		ProjectID: box.ProjectID,
		BoxID:     box.ID,
		Owner:     box.Owner,
		Amount:    amount,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", fmt.Errorf("settle box %d: empty signature in response", box.ID)
	}
	return out.Signature, nil
}

// errorBody is the bridge's error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func (c *BridgeClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return oracle.Classify(fmt.Errorf("%s: %w", path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return oracle.Classify(fmt.Errorf("%s: read body: %w", path, err))
	}
	if resp.StatusCode/100 != 2 {
		msg := string(raw)
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return oracle.Classify(&oracle.HTTPStatusError{URL: url, StatusCode: resp.StatusCode, Body: msg})
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
