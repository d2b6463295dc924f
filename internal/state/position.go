// internal/state/position.go
package state

import (
	"MemePerp/internal/event"
	"time"

	"github.com/google/uuid"
)

// PositionID is stable for the lifetime of a market; ids are never reused.
type PositionID uint64

// Position represents one open leveraged exposure in a market
type Position struct {
	ID                 PositionID
	Owner              uuid.UUID
	Side               event.Side
	Size               int64 // Base units, always > 0 while in the book
	EntryPrice         int64 // Mark price at open
	Leverage           int64
	Collateral         int64 // Posted margin net of the opening fee
	AccumulatedFunding int64 // Signed: received funding is positive, paid funding negative
	OpenedAt           time.Time
}

// SideSign returns +1 for long, -1 for short
func (p *Position) SideSign() int64 {
	return p.Side.Sign()
}

// Margin is collateral plus accumulated funding, the amount held for the position
func (p *Position) Margin() int64 {
	return p.Collateral + p.AccumulatedFunding
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)

	// id (8 bytes LE)
	buf = appendInt64LE(buf, int64(p.ID))

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	// side (1 byte)
	buf = append(buf, byte(p.Side))

	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.Collateral)
	buf = appendInt64LE(buf, p.AccumulatedFunding)

	// opened_at (8 bytes LE, unix micros)
	buf = appendInt64LE(buf, p.OpenedAt.UnixMicro())

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
