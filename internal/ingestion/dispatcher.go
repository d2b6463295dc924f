package ingestion

import (
	"context"
	"errors"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/observability"
	"MemePerp/internal/oracle"
	"MemePerp/internal/persistence"

	"github.com/rs/zerolog"
)

// ErrDuplicate is returned for a command id that was already handled
var ErrDuplicate = errors.New("duplicate command")

// CommandRecorder stores command outcomes for the durable dedup tier
type CommandRecorder interface {
	Record(ctx context.Context, kind, commandID, market, status, errMsg string) error
}

type DispatcherOptions struct {
	Dedup    *Deduplicator
	Recorder CommandRecorder
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	Clock    func() time.Time
}

// Dispatcher routes parsed commands into the exchange and the price feed
type Dispatcher struct {
	exchange *core.Exchange
	feed     *oracle.Feed
	quotes   oracle.Source

	dedup    *Deduplicator
	recorder CommandRecorder
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. Price commands update feed; orders and closes
// read their mark from quotes, which may be the same feed.
func NewDispatcher(exchange *core.Exchange, feed *oracle.Feed, quotes oracle.Source, opts DispatcherOptions) *Dispatcher {
	if quotes == nil {
		quotes = feed
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		exchange: exchange,
		feed:     feed,
		quotes:   quotes,
		dedup:    opts.Dedup,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      clock,
	}
}

// IsRejection reports whether err is a domain rejection. Rejections are final; any other
// error is an infrastructure failure worth retrying.
func IsRejection(err error) bool {
	var ce *core.Error
	return errors.As(err, &ce) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, oracle.ErrPriceJump) ||
		errors.Is(err, oracle.ErrInvalidPrice)
}

// Dispatch executes one command and returns its result
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (any, error) {
	if d.metrics != nil {
		d.metrics.CommandsReceived.WithLabelValues(string(cmd.Kind)).Inc()
	}

	if cmd.Kind == KindPrice {
		return d.updatePrice(ctx, cmd)
	}

	if d.dedup != nil && !d.dedup.Reserve(cmd.Kind, cmd.CommandID) {
		return nil, ErrDuplicate
	}

	result, err := d.execute(ctx, cmd)
	if err != nil && !IsRejection(err) {
		if d.dedup != nil {
			d.dedup.Release(cmd.Kind, cmd.CommandID)
		}
		d.countError(cmd.Kind, "infrastructure")
		return nil, err
	}

	status, msg := persistence.CommandApplied, ""
	if err != nil {
		status, msg = persistence.CommandRejected, err.Error()
		d.countError(cmd.Kind, rejectionReason(err))
	}
	d.record(ctx, cmd, status, msg)
	return result, err
}

func (d *Dispatcher) execute(ctx context.Context, cmd *Command) (any, error) {
	now := d.now()

	switch cmd.Kind {
	case KindPlaceOrder:
		quote, err := d.quote(ctx, cmd.Market)
		if err != nil {
			return nil, err
		}
		return d.exchange.PlaceOrder(cmd.Market, *cmd.Order, quote, now)

	case KindClose:
		quote, err := d.quote(ctx, cmd.Market)
		if err != nil {
			return nil, err
		}
		return d.exchange.ClosePosition(cmd.Market, *cmd.Close, quote, now)

	case KindCreateMarket:
		m, _, err := d.exchange.CreateMarket(cmd.Authority, *cmd.Config, cmd.CommandID, now)
		if err != nil {
			return nil, err
		}
		d.feed.SetMaxChangeBps(m.Name(), m.Config().MaxPriceChangeBps)
		return m.Summary(), nil

	case KindUpdateMarket:
		if _, err := d.exchange.UpdateMarketConfig(cmd.Authority, *cmd.Config, cmd.CommandID, now); err != nil {
			return nil, err
		}
		m, err := d.exchange.Market(cmd.Market)
		if err != nil {
			return nil, err
		}
		d.feed.SetMaxChangeBps(m.Name(), m.Config().MaxPriceChangeBps)
		return m.Summary(), nil

	case KindPause, KindResume:
		if _, err := d.exchange.SetPaused(cmd.Authority, cmd.Market, cmd.Kind == KindPause, cmd.CommandID, now); err != nil {
			return nil, err
		}
		m, err := d.exchange.Market(cmd.Market)
		if err != nil {
			return nil, err
		}
		return m.Summary(), nil
	}
	return nil, &core.Error{Kind: core.KindInvalidRequest, Msg: "unsupported command " + string(cmd.Kind)}
}

// quote fetches the mark for market. A missing or unreadable quote rejects the
// command as StalePrice instead of retrying it.
func (d *Dispatcher) quote(ctx context.Context, market string) (oracle.Quote, error) {
	q, err := d.quotes.GetPrice(ctx, market)
	if err != nil {
		return oracle.Quote{}, &core.Error{Kind: core.KindStalePrice, Market: market, Err: err}
	}
	return q, nil
}

func (d *Dispatcher) updatePrice(ctx context.Context, cmd *Command) (any, error) {
	outcome, err := d.feed.Update(ctx, cmd.Price)
	if d.metrics != nil {
		d.metrics.PriceUpdates.WithLabelValues(cmd.Market, outcome.String()).Inc()
	}
	if err != nil {
		d.countError(cmd.Kind, "price")
		return outcome, err
	}
	return outcome, nil
}

func (d *Dispatcher) record(ctx context.Context, cmd *Command, status, msg string) {
	if cmd.CommandID == "" {
		return
	}
	if d.dedup != nil {
		d.dedup.MarkProcessed(cmd.Kind, cmd.CommandID)
	}
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(ctx, string(cmd.Kind), cmd.CommandID, cmd.Market, status, msg); err != nil {
		d.logger.Warn().Err(err).
			Str("command", string(cmd.Kind)).
			Str("command_id", cmd.CommandID).
			Msg("command outcome not recorded")
	}
}

func (d *Dispatcher) countError(kind CommandKind, reason string) {
	if d.metrics != nil {
		d.metrics.CommandErrors.WithLabelValues(string(kind), reason).Inc()
	}
}

func rejectionReason(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	return "rejected"
}
