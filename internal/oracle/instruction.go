package oracle

import (
	"github.com/frommybrain/fatebox/pkg/types"
)

// AccountMeta is one account slot of a ledger instruction.
type AccountMeta struct {
	PublicKey  types.PublicKey `json:"pubkey"`
	IsSigner   bool            `json:"is_signer"`
	IsWritable bool            `json:"is_writable"`
}

// Instruction is a ledger instruction as built by the oracle SDK or
// assembled by hand from a fallback reveal. Treat values as immutable:
// every transformation below returns a fresh copy.
type Instruction struct {
	ProgramID types.PublicKey `json:"program_id"`
	Accounts  []AccountMeta   `json:"accounts"`
	Data      []byte          `json:"data"`
}

// Clone returns a deep copy of ix.
func (ix Instruction) Clone() Instruction {
	out := Instruction{ProgramID: ix.ProgramID}
	if ix.Accounts != nil {
		out.Accounts = make([]AccountMeta, len(ix.Accounts))
		copy(out.Accounts, ix.Accounts)
	}
	if ix.Data != nil {
		out.Data = make([]byte, len(ix.Data))
		copy(out.Data, ix.Data)
	}
	return out
}

// Signers lists the signer slots of ix in order.
func (ix Instruction) Signers() []types.PublicKey {
	var out []types.PublicKey
	for _, a := range ix.Accounts {
		if a.IsSigner {
			out = append(out, a.PublicKey)
		}
	}
	return out
}

// Substitute returns a copy of ix where every account key present in subs
// is replaced by its mapped key. ix itself is left untouched.
func Substitute(ix Instruction, subs map[types.PublicKey]types.PublicKey) Instruction {
	out := ix.Clone()
	for i, a := range out.Accounts {
		if repl, ok := subs[a.PublicKey]; ok {
			out.Accounts[i].PublicKey = repl
		}
	}
	return out
}

// SponsorSigners rewrites every signer slot that is not keep to payer, so a
// third party can pay for and sign the transaction. keep is normally the
// randomness account, which must sign for itself.
func SponsorSigners(ix Instruction, keep, payer types.PublicKey) Instruction {
	subs := make(map[types.PublicKey]types.PublicKey)
	for _, signer := range ix.Signers() {
		if signer != keep && signer != payer {
			subs[signer] = payer
		}
	}
	if len(subs) == 0 {
		return ix.Clone()
	}
	return Substitute(ix, subs)
}

// Bundle is what gets handed to the ledger submission service: one or more
// instructions landing atomically in a single transaction.
type Bundle struct {
	Label        string          `json:"label,omitempty"`
	Instructions []Instruction   `json:"instructions"`
	FeePayer     types.PublicKey `json:"fee_payer"`
	// Signers holds the secret keys of freshly created accounts that must
	// co-sign, e.g. the new randomness account.
	Signers [][]byte `json:"signers,omitempty"`
}
