package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frommybrain/fatebox/pkg/types"
)

func TestSponsorSigners_LeavesOriginalUntouched(t *testing.T) {
	handle, authority, payer := key(1), key(2), key(3)
	ix := Instruction{
		ProgramID: testProgram,
		Accounts: []AccountMeta{
			{PublicKey: handle, IsSigner: true, IsWritable: true},
			{PublicKey: authority, IsSigner: true},
			{PublicKey: testQueue},
		},
		Data: []byte{9, 9},
	}

	out := SponsorSigners(ix, handle, payer)

	assert.Equal(t, []types.PublicKey{handle, payer}, out.Signers())
	assert.Equal(t, []types.PublicKey{handle, authority}, ix.Signers())
	assert.Equal(t, testQueue, out.Accounts[2].PublicKey)

	out.Data[0] = 0
	assert.Equal(t, byte(9), ix.Data[0])
}

func TestSubstitute_NonSignerSlotsAlsoReplaced(t *testing.T) {
	ix := Instruction{Accounts: []AccountMeta{{PublicKey: key(1)}, {PublicKey: key(2)}}}
	out := Substitute(ix, map[types.PublicKey]types.PublicKey{key(2): key(7)})

	assert.Equal(t, key(1), out.Accounts[0].PublicKey)
	assert.Equal(t, key(7), out.Accounts[1].PublicKey)
	assert.Equal(t, key(2), ix.Accounts[1].PublicKey)
}

func TestDecodeValue(t *testing.T) {
	_, err := DecodeValue(nil)
	assert.ErrorIs(t, err, types.ErrNotReady)

	data := accountWithValue(0x01020304)
	data = append(data, 0xff, 0xff)
	v, err := DecodeValue(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), v.Uint32())
	assert.False(t, v.IsZero())

	assert.EqualValues(t, 0, Value{}.Fraction())
}

func TestAssembleReveal_Layout(t *testing.T) {
	req := Request{Handle: key(1), Oracle: testOracle, Queue: testQueue, Authority: testAuthority}
	var signed SignedReveal
	signed.RecoveryID = 2
	signed.Value[0] = 5

	ix := AssembleReveal(testProgram, req, testPayer, signed)

	require.Len(t, ix.Data, 8+64+1+32)
	assert.Equal(t, byte(2), ix.Data[72])
	assert.Equal(t, byte(5), ix.Data[73])
	assert.Equal(t, []types.PublicKey{testAuthority, testPayer}, ix.Signers())
	assert.Equal(t, SlotHashesSysvar, ix.Accounts[5].PublicKey)
}
