package oracle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/frommybrain/fatebox/pkg/types"
)

// ============================================================================
// Hand-assembled reveal
// When the primary SDK path cannot reach its gateway, the reveal instruction
// is rebuilt from the request's stored fields plus the oracle's signature.
// ============================================================================

var (
	// Well-known ledger program addresses used by the reveal instruction.
	SystemProgramID     = types.PublicKey{}
	SlotHashesSysvar    = mustKey("SysvarS1otHashes111111111111111111111111111")
	revealDiscriminator = instructionDiscriminator("randomness_reveal")

	// ErrSignatureMismatch means the fallback payload was not signed by the
	// oracle the request was committed to.
	ErrSignatureMismatch = errors.New("fallback reveal signature does not match oracle signer")
)

func mustKey(s string) types.PublicKey {
	return types.MustParsePublicKey(s)
}

// instructionDiscriminator is the 8-byte selector of a program method:
// sha256("global:<name>")[:8].
func instructionDiscriminator(name string) [8]byte {
	var d [8]byte
	sum := sha256.Sum256([]byte("global:" + name))
	copy(d[:], sum[:8])
	return d
}

// AssembleReveal builds the reveal instruction for req from a fallback
// payload. Data layout: discriminator | signature(64) | recovery id(1) | value(32).
func AssembleReveal(programID types.PublicKey, req Request, payer types.PublicKey, signed SignedReveal) Instruction {
	var data bytes.Buffer
	data.Grow(8 + 64 + 1 + 32)
	data.Write(revealDiscriminator[:])
	data.Write(signed.Signature[:])
	data.WriteByte(signed.RecoveryID)
	data.Write(signed.Value[:])

	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{PublicKey: req.Handle, IsWritable: true},
			{PublicKey: req.Oracle, IsWritable: true},
			{PublicKey: req.Queue},
			{PublicKey: req.Authority, IsSigner: true},
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: SlotHashesSysvar},
			{PublicKey: SystemProgramID},
		},
		Data: data.Bytes(),
	}
}

// RevealDigest is the message the oracle signs: keccak256(handle | seedHash | seedSlot(le) | value).
func RevealDigest(req Request, value [32]byte) []byte {
	var slot [8]byte
	binary.LittleEndian.PutUint64(slot[:], req.SeedSlot)
	return crypto.Keccak256(req.Handle[:], req.SeedHash[:], slot[:], value[:])
}

// VerifyReveal checks that signed was produced by the secp256k1 key whose
// compressed form is signer.
func VerifyReveal(req Request, signed SignedReveal, signer []byte) error {
	sig := make([]byte, 65)
	copy(sig, signed.Signature[:])
	sig[64] = signed.RecoveryID

	pub, err := crypto.SigToPub(RevealDigest(req, signed.Value), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if !bytes.Equal(crypto.CompressPubkey(pub), signer) {
		return fmt.Errorf("%w: oracle %s", ErrSignatureMismatch, req.Oracle)
	}
	return nil
}
