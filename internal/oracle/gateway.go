// ============================================================================
// Oracle collaborator interfaces
// ============================================================================
//
// Package: internal/oracle
// File: gateway.go
// Purpose: Boundary contracts consumed by the randomness coordinator.
//
//   - Gateway:          primary oracle SDK path (create / commit / reveal instructions)
//   - FallbackGateway:  secondary service returning a signed reveal payload
//   - Submitter:        ledger submission service
//   - AccountReader:    raw account bytes by address
//   - QueueResolver:    network name -> oracle queue
//
// Implementations live in internal/ledger (HTTP bridge, JSON-RPC) and in
// crossbar.go (fallback gateway). Tests use in-memory fakes.
//
// ============================================================================

package oracle

import (
	"context"

	"github.com/frommybrain/fatebox/pkg/types"
)

// CreateParams asks the gateway for a new randomness account.
type CreateParams struct {
	Queue  types.PublicKey `json:"queue"`
	Funder types.PublicKey `json:"funder"`
}

// CreateResult is a freshly allocated randomness account and the
// instruction that creates it. Signer is the account's secret key, needed
// to co-sign the creating transaction.
type CreateResult struct {
	Handle      types.PublicKey `json:"handle"`
	Instruction Instruction     `json:"instruction"`
	Signer      []byte          `json:"signer"`
}

// CommitParams binds a randomness account to a future round. Authority is
// passed explicitly because the account may not exist yet when create and
// commit land in the same transaction.
type CommitParams struct {
	Handle    types.PublicKey `json:"handle"`
	Queue     types.PublicKey `json:"queue"`
	Authority types.PublicKey `json:"authority"`
}

// CommitResult carries the commit instruction and the seed the oracle will
// sign over; both are kept on the request for the fallback path.
type CommitResult struct {
	Instruction Instruction     `json:"instruction"`
	Oracle      types.PublicKey `json:"oracle"`
	SeedSlot    uint64          `json:"seed_slot"`
	SeedHash    [32]byte        `json:"seed_hash"`
}

// RevealParams asks the primary gateway for a reveal instruction.
type RevealParams struct {
	Handle    types.PublicKey `json:"handle"`
	Queue     types.PublicKey `json:"queue"`
	Authority types.PublicKey `json:"authority"`
}

// Gateway is the primary oracle SDK path.
type Gateway interface {
	CreateInstruction(ctx context.Context, p CreateParams) (CreateResult, error)
	CommitInstruction(ctx context.Context, p CommitParams) (CommitResult, error)
	RevealInstruction(ctx context.Context, p RevealParams) (Instruction, error)
}

// RevealQuery is everything the fallback gateway needs to fetch the
// oracle's signed value independently of the primary SDK.
type RevealQuery struct {
	Handle    types.PublicKey
	Oracle    types.PublicKey
	Queue     types.PublicKey
	Authority types.PublicKey
	SeedSlot  uint64
	SeedHash  [32]byte
	RPCURL    string
}

// SignedReveal is the oracle's signature over a revealed value.
type SignedReveal struct {
	Signature  [64]byte
	RecoveryID byte
	Value      [32]byte
}

// FallbackGateway fetches a signed reveal payload.
type FallbackGateway interface {
	FetchReveal(ctx context.Context, q RevealQuery) (SignedReveal, error)
}

// Submitter lands a bundle on the ledger and returns its submission id.
type Submitter interface {
	Submit(ctx context.Context, b Bundle) (string, error)
}

// AccountReader returns the raw bytes of an account, or an error wrapping
// types.ErrNotFound when the account does not exist.
type AccountReader interface {
	GetAccount(ctx context.Context, key types.PublicKey) ([]byte, error)
}

// QueueResolver maps a network name to the oracle queue serving it.
type QueueResolver interface {
	ResolveQueue(ctx context.Context, network string) (types.PublicKey, error)
}

// StaticQueues resolves queues from configuration.
type StaticQueues map[string]types.PublicKey

func (s StaticQueues) ResolveQueue(_ context.Context, network string) (types.PublicKey, error) {
	q, ok := s[network]
	if !ok || q.IsZero() {
		return types.PublicKey{}, types.ErrOracleUnavailable
	}
	return q, nil
}

// Recorder receives coordinator events; the metrics collector implements it.
type Recorder interface {
	RecordRevealRetry()
	RecordFallback()
}

type nopRecorder struct{}

func (nopRecorder) RecordRevealRetry() {}
func (nopRecorder) RecordFallback()    {}
