package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CrossbarClient is the HTTP fallback gateway. It asks an independent
// gateway service for the oracle's signed reveal of a committed request.
type CrossbarClient struct {
	baseURL string
	http    *http.Client
}

// NewCrossbarClient creates a client for the gateway at baseURL.
func NewCrossbarClient(baseURL string, timeout time.Duration) *CrossbarClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CrossbarClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type revealRequest struct {
	SlotHash      string `json:"slothash"`
	RandomnessKey string `json:"randomness_key"`
	Slot          uint64 `json:"slot"`
	Oracle        string `json:"oracle"`
	Queue         string `json:"queue"`
	Authority     string `json:"authority"`
	RPC           string `json:"rpc,omitempty"`
}

type revealResponse struct {
	Signature  string `json:"signature"`
	RecoveryID int    `json:"recovery_id"`
	Value      []int  `json:"value"`
}

// FetchReveal implements FallbackGateway.
func (c *CrossbarClient) FetchReveal(ctx context.Context, q RevealQuery) (SignedReveal, error) {
	var out SignedReveal

	body, err := json.Marshal(revealRequest{
		SlotHash:      hex.EncodeToString(q.SeedHash[:]),
		RandomnessKey: hex.EncodeToString(q.Handle[:]),
		Slot:          q.SeedSlot,
		Oracle:        q.Oracle.String(),
		Queue:         q.Queue.String(),
		Authority:     q.Authority.String(),
		RPC:           q.RPCURL,
	})
	if err != nil {
		return out, fmt.Errorf("encode reveal request: %w", err)
	}

	url := c.baseURL + "/gateway/api/v1/randomness_reveal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build reveal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return out, Classify(fmt.Errorf("fetch reveal: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, Classify(fmt.Errorf("fetch reveal: read body: %w", err))
	}
	if resp.StatusCode/100 != 2 {
		return out, Classify(&HTTPStatusError{URL: url, StatusCode: resp.StatusCode, Body: string(raw)})
	}

	var decoded revealResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return out, fmt.Errorf("fetch reveal: decode response: %w", err)
	}
	return decoded.toSignedReveal()
}

func (r revealResponse) toSignedReveal() (SignedReveal, error) {
	var out SignedReveal

	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return out, fmt.Errorf("fetch reveal: signature: %w", err)
	}
	if len(sig) != len(out.Signature) {
		return out, fmt.Errorf("fetch reveal: signature is %d bytes, want 64", len(sig))
	}
	if r.RecoveryID < 0 || r.RecoveryID > 3 {
		return out, fmt.Errorf("fetch reveal: recovery id %d out of range", r.RecoveryID)
	}
	if len(r.Value) != len(out.Value) {
		return out, fmt.Errorf("fetch reveal: value is %d bytes, want 32", len(r.Value))
	}

	copy(out.Signature[:], sig)
	out.RecoveryID = byte(r.RecoveryID)
	for i, b := range r.Value {
		if b < 0 || b > 255 {
			return out, fmt.Errorf("fetch reveal: value byte %d out of range", b)
		}
		out.Value[i] = byte(b)
	}
	return out, nil
}
