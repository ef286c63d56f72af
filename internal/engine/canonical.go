package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// Canonical cycle identifiers.
//
// A cycle is an ordered sequence of wallets w0 → w1 → … → wk-1 → w0 with a
// chosen asset per step. Two cycles that differ only by rotation are the
// same trade; the canonical id is computed over the lexicographically
// smallest rotation of the wallet sequence (assets rotated in lockstep),
// so every rotation hashes identically.

// canonicalRotation returns the rotation offset that makes the wallet
// sequence lexicographically smallest. Wallets in a simple cycle are
// distinct, so comparing from the minimum wallet id suffices and ties
// cannot occur.
func canonicalRotation(wallets []models.WalletID) int {
	best := 0
	for i := 1; i < len(wallets); i++ {
		if wallets[i] < wallets[best] {
			best = i
		}
	}
	return best
}

// CanonicalID computes the rotation-invariant fingerprint of a cycle.
// assets[i] is the asset wallet[i] receives from wallet[(i+1) mod k].
func CanonicalID(wallets []models.WalletID, assets []models.AssetID) string {
	k := len(wallets)
	r := canonicalRotation(wallets)

	var b strings.Builder
	for i := 0; i < k; i++ {
		if i > 0 {
			b.WriteByte('>')
		}
		b.WriteString(string(wallets[(r+i)%k]))
	}
	b.WriteByte('|')
	for i := 0; i < k; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(assets[(r+i)%k]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
