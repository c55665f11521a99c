package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachineID_PerCredentialOverrideWins(t *testing.T) {
	override := hex.EncodeToString(make([]byte, 32))
	c := &Credential{RefreshToken: validToken("a"), MachineID: override}
	got := MachineID(c, "global-override")
	assert.Equal(t, override, got)
}

func TestMachineID_GlobalOverrideUsedWhenNoPerCredentialOverride(t *testing.T) {
	c := &Credential{RefreshToken: validToken("a")}
	got := MachineID(c, "global-override")
	assert.Equal(t, "global-override", got)
}

func TestMachineID_DerivedFromRefreshTokenIsStableAndHex64(t *testing.T) {
	c := &Credential{RefreshToken: validToken("a")}
	got := MachineID(c, "")

	sum := sha256.Sum256([]byte(c.RefreshToken))
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, got)
	assert.Len(t, got, 64)

	// stable across repeated calls for the same refresh token
	assert.Equal(t, got, MachineID(c, ""))
}

func TestMachineID_DifferentRefreshTokensYieldDifferentIDs(t *testing.T) {
	a := &Credential{RefreshToken: validToken("a")}
	b := &Credential{RefreshToken: validToken("b")}
	assert.NotEqual(t, MachineID(a, ""), MachineID(b, ""))
}
