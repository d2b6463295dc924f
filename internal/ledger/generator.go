package ledger

import (
	"MemePerp/internal/event"
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from core events.
// Every generated batch leaves each position's margin account equal to the
// position's collateral plus accumulated funding.
type JournalGenerator struct {
	newID func() uuid.UUID
}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{newID: uuid.New}
}

// batchBuilder accumulates transfers for one batch
type batchBuilder struct {
	jg    *JournalGenerator
	batch *Batch
	err   error
}

func (jg *JournalGenerator) newBatch(market, eventRef string, sequence, timestamp int64) *batchBuilder {
	return &batchBuilder{
		jg: jg,
		batch: &Batch{
			BatchID:   jg.newID(),
			EventRef:  eventRef,
			Market:    market,
			Sequence:  sequence,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 4),
		},
	}
}

// transfer moves amount from credit to debit. Zero amounts are skipped.
func (b *batchBuilder) transfer(debit, credit AccountKey, amount int64, jt JournalType) {
	if b.err != nil || amount == 0 {
		return
	}
	if amount < 0 {
		b.err = fmt.Errorf("%s transfer %s -> %s has negative amount %d", jt, credit, debit, amount)
		return
	}
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     b.jg.newID(),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
}

// settle moves a signed amount between two accounts: positive credits to, negative debits it
func (b *batchBuilder) settle(to, from AccountKey, signed int64, jt JournalType) {
	if signed >= 0 {
		b.transfer(to, from, signed, jt)
		return
	}
	b.transfer(from, to, -signed, jt)
}

func (b *batchBuilder) finish() (*Batch, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.batch.Validate(); err != nil {
		return nil, err
	}
	return b.batch, nil
}

// GeneratePositionOpened posts the gross margin from the wallet and takes the opening fee.
// wallet → margin (margin_debit), margin → fee_sink (fee)
func (jg *JournalGenerator) GeneratePositionOpened(evt *event.PositionOpened, sequence int64) (*Batch, error) {
	b := jg.newBatch(evt.Market, evt.IdempotencyKey(), sequence, evt.Timestamp)

	margin := NewMarginKey(evt.Market, evt.PositionID)
	b.transfer(margin, NewWalletKey(evt.Owner), evt.MarginDebit, JournalTypeMarginPost)
	b.transfer(NewSystemAccountKey(evt.Market, SubTypeFeeSink), margin, evt.Fee, JournalTypeOpenFee)

	return b.finish()
}

// GenerateFundingApplied routes payments through the market's funding pool.
// payer margins → funding_pool → receiver margins, residue → fee_sink. The pool ends at zero.
func (jg *JournalGenerator) GenerateFundingApplied(evt *event.FundingApplied, sequence int64) (*Batch, error) {
	b := jg.newBatch(evt.Market, evt.IdempotencyKey(), sequence, evt.Timestamp)
	pool := NewSystemAccountKey(evt.Market, SubTypeFundingPool)

	for _, t := range evt.Transfers {
		margin := NewMarginKey(evt.Market, t.PositionID)
		if t.Amount > 0 {
			b.transfer(pool, margin, t.Amount, JournalTypeFundingPayment)
		}
	}
	for _, t := range evt.Transfers {
		margin := NewMarginKey(evt.Market, t.PositionID)
		if t.Amount < 0 {
			b.transfer(margin, pool, -t.Amount, JournalTypeFundingReceipt)
		}
	}
	b.transfer(NewSystemAccountKey(evt.Market, SubTypeFeeSink), pool, evt.Residue, JournalTypeFundingResidue)

	return b.finish()
}

// GeneratePositionClosed realizes P&L against the pool, takes the closing fee and pays out.
// The released collateral and funding are already inside the margin account.
func (jg *JournalGenerator) GeneratePositionClosed(evt *event.PositionClosed, sequence int64) (*Batch, error) {
	b := jg.newBatch(evt.Market, evt.IdempotencyKey(), sequence, evt.Timestamp)

	margin := NewMarginKey(evt.Market, evt.PositionID)
	b.settle(margin, NewPnLPoolKey(evt.Market), evt.RealizedPnL, JournalTypeRealizedPnL)
	b.transfer(NewSystemAccountKey(evt.Market, SubTypeFeeSink), margin, evt.Fee, JournalTypeCloseFee)
	b.transfer(NewWalletKey(evt.Owner), margin, evt.Payout, JournalTypePayout)

	return b.finish()
}

// GeneratePositionLiquidated settles a forced close.
//
//	pnl_pool ↔ margin       unrealized pnl (margin now holds equity)
//	insurance → margin      -equity when equity < 0
//	margin → fee_sink       the part of the fee equity covers
//	insurance → fee_sink    the rest of the fee
//	margin → wallet         payout
//
// The fee sink always receives the full fee; the insurance account carries the shortfall.
func (jg *JournalGenerator) GeneratePositionLiquidated(evt *event.PositionLiquidated, sequence int64) (*Batch, error) {
	b := jg.newBatch(evt.Market, evt.IdempotencyKey(), sequence, evt.Timestamp)

	margin := NewMarginKey(evt.Market, evt.PositionID)
	feeSink := NewSystemAccountKey(evt.Market, SubTypeFeeSink)
	insurance := NewSystemAccountKey(evt.Market, SubTypeInsurance)

	upnl := evt.Equity - evt.Collateral - evt.Funding
	b.settle(margin, NewPnLPoolKey(evt.Market), upnl, JournalTypeRealizedPnL)

	covered := evt.Fee
	if evt.Equity < 0 {
		b.transfer(margin, insurance, -evt.Equity, JournalTypeInsuranceCover)
		covered = 0
	} else if evt.Equity < evt.Fee {
		covered = evt.Equity
	}
	b.transfer(feeSink, margin, covered, JournalTypeLiquidationFee)
	b.transfer(feeSink, insurance, evt.Fee-covered, JournalTypeInsuranceCover)
	b.transfer(NewWalletKey(evt.Owner), margin, evt.Payout, JournalTypePayout)

	return b.finish()
}
