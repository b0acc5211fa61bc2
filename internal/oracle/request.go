package oracle

import (
	"encoding/binary"
	"time"

	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/pkg/types"
)

// RequestState 隨機數請求的生命週期狀態
type RequestState string

const (
	RequestUnrequested RequestState = "unrequested"
	RequestCreated     RequestState = "created"
	RequestCommitted   RequestState = "committed"
	RequestRevealing   RequestState = "revealing"
	RequestRevealed    RequestState = "revealed"
	RequestFailed      RequestState = "failed"
)

// Request tracks one oracle round-trip. Returned copies are snapshots; the
// coordinator owns the live record.
type Request struct {
	Handle        types.PublicKey
	Authority     types.PublicKey
	Queue         types.PublicKey
	Oracle        types.PublicKey
	SeedSlot      uint64
	SeedHash      [32]byte
	State         RequestState
	CreatedAt     time.Time
	CommittedAt   time.Time
	RevealedAt    time.Time
	RevealedValue Value
	Submission    string
	FailReason    string
	Closed        bool

	committing bool
}

// Randomness account layout: an 8-byte header followed by the 32-byte
// revealed payload.
const (
	accountHeaderLen = 8
	valueLen         = 32
	minAccountLen    = accountHeaderLen + valueLen
)

// Value is a revealed 32-byte random payload.
type Value [valueLen]byte

// IsZero reports whether no byte is set, which reads as "not revealed yet".
func (v Value) IsZero() bool {
	return v == Value{}
}

// Uint32 interprets the first 4 bytes as a little-endian unsigned integer.
func (v Value) Uint32() uint32 {
	return binary.LittleEndian.Uint32(v[:4])
}

// Fraction maps the value onto [0, 10000] basis points: u32 / (2^32 - 1).
func (v Value) Fraction() reward.Fraction {
	return reward.FractionFromUint32(v.Uint32())
}

// DecodeValue extracts the revealed payload from raw account bytes.
func DecodeValue(data []byte) (Value, error) {
	var v Value
	if len(data) < minAccountLen {
		return v, types.ErrNotReady
	}
	copy(v[:], data[accountHeaderLen:minAccountLen])
	return v, nil
}
