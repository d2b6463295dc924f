// internal/math/funding.go
package math

import (
	"math/big"
	"sort"
)

// ComputeFundingRate returns the per-interval funding rate at RateConfig scale.
//
//	imbalance = (long - short) / (long + short)
//	rate      = clamp(k * imbalance * RateCap, -RateCap, +RateCap)
//
// k is given in basis points (10000 = 1.0). The result is truncated toward zero, but a
// non-zero imbalance never yields a zero rate: it is floored to one rate unit in the
// direction of the imbalance. A side with zero exposure facing open
// interest on the other side yields the full cap toward the empty side.
func ComputeFundingRate(longSize, shortSize, sensitivityBps int64) (int64, error) {
	switch {
	case longSize == 0 && shortSize == 0:
		return 0, nil
	case shortSize == 0:
		return RateCap, nil
	case longSize == 0:
		return -RateCap, nil
	}

	num := getInt128()
	den := getInt128()
	defer putInt128(num)
	defer putInt128(den)

	num.Sub(big.NewInt(longSize), big.NewInt(shortSize))
	num.Mul(num, big.NewInt(sensitivityBps))
	num.Mul(num, big.NewInt(RateCap))

	den.Add(big.NewInt(longSize), big.NewInt(shortSize))
	den.Mul(den, big.NewInt(BpsScale))

	q := divideInt128(num, den, RoundTowardZero)
	if q.Sign() == 0 {
		switch {
		case longSize > shortSize:
			return 1, nil
		case longSize < shortSize:
			return -1, nil
		}
		return 0, nil
	}

	// Clamp before narrowing: a large k can push the raw rate past int64
	if q.Cmp(big.NewInt(RateCap)) > 0 {
		return RateCap, nil
	}
	if q.Cmp(big.NewInt(-RateCap)) < 0 {
		return -RateCap, nil
	}
	return q.Int64(), nil
}

// PositionForFunding is the slice of a position the settlement needs
type PositionForFunding struct {
	ID         uint64
	SideSign   int64
	Size       int64
	EntryPrice int64
}

// FundingPayment is one position's transfer. Positive = pays, negative = receives.
type FundingPayment struct {
	ID     uint64
	Amount int64
}

// FundingSettlement represents computed funding for all positions of one market
type FundingSettlement struct {
	Rate          int64
	Payments      []FundingPayment
	TotalPaid     int64
	TotalReceived int64
	Residue       int64 // TotalPaid - TotalReceived, posted to the fee sink
}

// ComputeFundingSettlement splits one interval's funding between the two sides.
//
// Each paying position pays ceil(size * entry * |rate| / RateScale). The total is
// distributed across the receiving side pro rata by size*entry, floored per position,
// so the residue is strictly less than the number of receiving positions. When either
// side is empty no transfer happens.
func ComputeFundingSettlement(rate int64, positions []PositionForFunding) (*FundingSettlement, error) {
	settlement := &FundingSettlement{Rate: rate}
	if rate == 0 || len(positions) == 0 {
		return settlement, nil
	}

	// Sort positions by id for deterministic ordering
	sorted := make([]PositionForFunding, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	absRate, err := Abs(rate)
	if err != nil {
		return nil, err
	}

	rateSign := int64(1)
	if rate < 0 {
		rateSign = -1
	}

	var payers, receivers []PositionForFunding
	for _, pos := range sorted {
		if pos.Size == 0 {
			continue
		}
		if pos.SideSign == rateSign {
			payers = append(payers, pos)
		} else {
			receivers = append(receivers, pos)
		}
	}

	if len(payers) == 0 || len(receivers) == 0 {
		return settlement, nil
	}

	payments := make([]FundingPayment, 0, len(payers)+len(receivers))

	var totalPaid int64
	for _, pos := range payers {
		payment, err := MulMulDiv(pos.Size, pos.EntryPrice, absRate, RateConfig.Scale, RoundUp)
		if err != nil {
			return nil, err
		}
		if totalPaid, err = Add(totalPaid, payment); err != nil {
			return nil, err
		}
		payments = append(payments, FundingPayment{ID: pos.ID, Amount: payment})
	}

	// Receiver weights are notionals at entry; their sum may exceed int64
	totalWeight := new(big.Int)
	weights := make([]*big.Int, len(receivers))
	for i, pos := range receivers {
		w := new(big.Int).Mul(big.NewInt(pos.Size), big.NewInt(pos.EntryPrice))
		weights[i] = w
		totalWeight.Add(totalWeight, w)
	}

	var totalReceived int64
	paid := big.NewInt(totalPaid)
	for i, pos := range receivers {
		share := new(big.Int).Mul(paid, weights[i])
		share = divideInt128(share, totalWeight, RoundDown)
		credit, err := toInt64(share)
		if err != nil {
			return nil, err
		}
		totalReceived += credit // bounded by totalPaid
		if credit != 0 {
			payments = append(payments, FundingPayment{ID: pos.ID, Amount: -credit})
		}
	}

	settlement.Payments = payments
	settlement.TotalPaid = totalPaid
	settlement.TotalReceived = totalReceived
	settlement.Residue = totalPaid - totalReceived

	return settlement, nil
}
