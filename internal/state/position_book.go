package state

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"crypto/sha256"
	"fmt"
)

// SideTotals aggregates one side of the book
type SideTotals struct {
	Size       int64
	Collateral int64
}

// PositionBook owns every open position of one market.
// Positions live in an arena keyed by id; each side keeps its ids in insertion order.
// The book is not safe for concurrent use: the owning market serializes access.
type PositionBook struct {
	positions map[PositionID]*Position
	longs     []PositionID
	shorts    []PositionID
	long      SideTotals
	short     SideTotals
	nextID    PositionID
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[PositionID]*Position),
		nextID:    1,
	}
}

// NextID returns the id the next inserted position will receive
func (b *PositionBook) NextID() PositionID {
	return b.nextID
}

// Len returns the number of open positions
func (b *PositionBook) Len() int {
	return len(b.positions)
}

// Totals returns the aggregates of one side
func (b *PositionBook) Totals(side event.Side) SideTotals {
	if side == event.SideShort {
		return b.short
	}
	return b.long
}

func (b *PositionBook) TotalLongSize() int64 { return b.long.Size }
func (b *PositionBook) TotalShortSize() int64 { return b.short.Size }
func (b *PositionBook) TotalLongCollateral() int64 { return b.long.Collateral }
func (b *PositionBook) TotalShortCollateral() int64 { return b.short.Collateral }

func (b *PositionBook) totals(side event.Side) *SideTotals {
	if side == event.SideShort {
		return &b.short
	}
	return &b.long
}

// Insert assigns the next id to pos and appends it to its side.
// Aggregates are checked before anything is mutated.
func (b *PositionBook) Insert(pos *Position) (PositionID, error) {
	if pos.Size <= 0 {
		return 0, fmt.Errorf("position size must be > 0, got %d", pos.Size)
	}
	if !pos.Side.Valid() {
		return 0, fmt.Errorf("invalid side %d", pos.Side)
	}

	pos.ID = b.nextID
	if err := b.insertWithID(pos); err != nil {
		return 0, err
	}
	b.nextID++
	return pos.ID, nil
}

// Restore inserts a position that already carries an id (snapshot restore and replay).
func (b *PositionBook) Restore(pos *Position) error {
	if _, exists := b.positions[pos.ID]; exists {
		return fmt.Errorf("position %d already in book", pos.ID)
	}
	if err := b.insertWithID(pos); err != nil {
		return err
	}
	if pos.ID >= b.nextID {
		b.nextID = pos.ID + 1
	}
	return nil
}

func (b *PositionBook) insertWithID(pos *Position) error {
	t := b.totals(pos.Side)
	size, err := fpmath.Add(t.Size, pos.Size)
	if err != nil {
		return fmt.Errorf("side size aggregate: %w", err)
	}
	collateral, err := fpmath.Add(t.Collateral, pos.Collateral)
	if err != nil {
		return fmt.Errorf("side collateral aggregate: %w", err)
	}

	b.positions[pos.ID] = pos
	if pos.Side == event.SideShort {
		b.shorts = append(b.shorts, pos.ID)
	} else {
		b.longs = append(b.longs, pos.ID)
	}
	t.Size = size
	t.Collateral = collateral
	return nil
}

// Get returns the position with the given id on the given side, or nil.
// A position that exists on the other side is reported as missing.
func (b *PositionBook) Get(id PositionID, side event.Side) *Position {
	pos := b.positions[id]
	if pos == nil || pos.Side != side {
		return nil
	}
	return pos
}

// Lookup returns the position regardless of side
func (b *PositionBook) Lookup(id PositionID) *Position {
	return b.positions[id]
}

// Remove deletes the position and subtracts it from its side's aggregates.
func (b *PositionBook) Remove(id PositionID) (*Position, error) {
	pos := b.positions[id]
	if pos == nil {
		return nil, fmt.Errorf("position %d not in book", id)
	}

	delete(b.positions, id)
	if pos.Side == event.SideShort {
		b.shorts = removeID(b.shorts, id)
	} else {
		b.longs = removeID(b.longs, id)
	}

	t := b.totals(pos.Side)
	t.Size -= pos.Size
	t.Collateral -= pos.Collateral
	return pos, nil
}

// Reduce shrinks a position by closedSize and releasedCollateral. A reduction to zero
// size removes the position. Funding released is applied by the caller.
func (b *PositionBook) Reduce(id PositionID, closedSize, releasedCollateral int64) error {
	pos := b.positions[id]
	if pos == nil {
		return fmt.Errorf("position %d not in book", id)
	}
	if closedSize <= 0 || closedSize > pos.Size {
		return fmt.Errorf("reduce size %d out of range for position %d (size %d)", closedSize, id, pos.Size)
	}
	if closedSize == pos.Size {
		_, err := b.Remove(id)
		return err
	}

	pos.Size -= closedSize
	pos.Collateral -= releasedCollateral

	t := b.totals(pos.Side)
	t.Size -= closedSize
	t.Collateral -= releasedCollateral
	return nil
}

func removeID(ids []PositionID, id PositionID) []PositionID {
	for i, v := range ids {
		if v == id {
			// Preserve insertion order of the remaining ids
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// IDs returns a copy of one side's ids in insertion order
func (b *PositionBook) IDs(side event.Side) []PositionID {
	src := b.longs
	if side == event.SideShort {
		src = b.shorts
	}
	out := make([]PositionID, len(src))
	copy(out, src)
	return out
}

// All returns every position, longs first, each side in insertion order
func (b *PositionBook) All() []*Position {
	out := make([]*Position, 0, len(b.positions))
	for _, id := range b.longs {
		out = append(out, b.positions[id])
	}
	for _, id := range b.shorts {
		out = append(out, b.positions[id])
	}
	return out
}

// Recompute rebuilds both aggregates from the arena and reports any drift from the
// maintained values, plus any side sequence that holds a foreign or duplicate id.
func (b *PositionBook) Recompute() error {
	var long, short SideTotals
	seen := make(map[PositionID]struct{}, len(b.positions))

	check := func(ids []PositionID, side event.Side, t *SideTotals) error {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				return fmt.Errorf("position %d appears twice", id)
			}
			seen[id] = struct{}{}
			pos := b.positions[id]
			if pos == nil {
				return fmt.Errorf("%s sequence references missing position %d", side, id)
			}
			if pos.Side != side {
				return fmt.Errorf("position %d is %s but sits in the %s sequence", id, pos.Side, side)
			}
			var err error
			if t.Size, err = fpmath.Add(t.Size, pos.Size); err != nil {
				return err
			}
			if t.Collateral, err = fpmath.Add(t.Collateral, pos.Collateral); err != nil {
				return err
			}
		}
		return nil
	}

	if err := check(b.longs, event.SideLong, &long); err != nil {
		return err
	}
	if err := check(b.shorts, event.SideShort, &short); err != nil {
		return err
	}
	if len(seen) != len(b.positions) {
		return fmt.Errorf("arena holds %d positions, sequences reference %d", len(b.positions), len(seen))
	}
	if long != b.long {
		return fmt.Errorf("long aggregate drift: maintained=%+v recomputed=%+v", b.long, long)
	}
	if short != b.short {
		return fmt.Errorf("short aggregate drift: maintained=%+v recomputed=%+v", b.short, short)
	}
	return nil
}

// Digest hashes every position in book order together with the aggregates
func (b *PositionBook) Digest() [32]byte {
	h := sha256.New()
	for _, pos := range b.All() {
		h.Write(pos.CanonicalBytes())
	}
	var buf []byte
	buf = appendInt64LE(buf, b.long.Size)
	buf = appendInt64LE(buf, b.long.Collateral)
	buf = appendInt64LE(buf, b.short.Size)
	buf = appendInt64LE(buf, b.short.Collateral)
	buf = appendInt64LE(buf, int64(b.nextID))
	h.Write(buf)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Clone returns a deep copy, used to snapshot the book
func (b *PositionBook) Clone() *PositionBook {
	c := &PositionBook{
		positions: make(map[PositionID]*Position, len(b.positions)),
		longs:     append([]PositionID(nil), b.longs...),
		shorts:    append([]PositionID(nil), b.shorts...),
		long:      b.long,
		short:     b.short,
		nextID:    b.nextID,
	}
	for id, pos := range b.positions {
		cp := *pos
		c.positions[id] = &cp
	}
	return c
}

// SetNextID restores the id counter so ids are never reused after restore
func (b *PositionBook) SetNextID(id PositionID) {
	if id > b.nextID {
		b.nextID = id
	}
}
