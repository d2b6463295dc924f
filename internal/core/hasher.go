package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "MemePerp:genesis:v1"

// StateHasher chains state hashes for one market's event log
type StateHasher struct {
	prevHash [32]byte
}

// GenesisHash is the chain root of a market: SHA-256(seed || ":" || market)
func GenesisHash(market string) [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed + ":" + market))
}

// NewStateHasher initializes with the market's genesis hash
func NewStateHasher(market string) *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(market),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// without advancing the chain.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Advance moves the chain tip to hash
func (h *StateHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip from a snapshot
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
