package credential

import (
	"crypto/sha256"
	"encoding/hex"
)

// MachineID derives the stable 64-hex device fingerprint (C4) for a
// credential: a per-credential override wins, then a global override, then
// SHA-256(refreshToken) hex-encoded.
func MachineID(c *Credential, globalMachineID string) string {
	if c.MachineID != "" {
		return c.MachineID
	}
	if globalMachineID != "" {
		return globalMachineID
	}
	sum := sha256.Sum256([]byte(c.RefreshToken))
	return hex.EncodeToString(sum[:])
}
