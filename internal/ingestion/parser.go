package ingestion

import (
	"fmt"
	"strings"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/oracle"
	"MemePerp/internal/state"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// CommandKind identifies an inbound command; it is also the de-duplication namespace
type CommandKind string

const (
	KindPlaceOrder   CommandKind = "order.place"
	KindClose        CommandKind = "order.close"
	KindPrice        CommandKind = "price"
	KindCreateMarket CommandKind = "market.create"
	KindUpdateMarket CommandKind = "market.update"
	KindPause        CommandKind = "market.pause"
	KindResume       CommandKind = "market.resume"
)

// Command is a parsed inbound request. Exactly one payload field is set for the kind.
type Command struct {
	Kind      CommandKind
	CommandID string
	Market    string
	Authority string

	Order  *core.OrderRequest
	Close  *core.CloseRequest
	Price  *event.PriceUpdate
	Config *state.MarketConfig
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type placeOrderJSON struct {
	CommandID string `json:"command_id"`
	Owner     string `json:"owner"`
	Side      string `json:"side"` // "long"/"short" or "buy"/"sell"
	Size      int64  `json:"size"`
	Leverage  int64  `json:"leverage"`
}

type closeJSON struct {
	CommandID  string `json:"command_id"`
	Owner      string `json:"owner"`
	PositionID uint64 `json:"position_id"`
	Side       string `json:"side"`
	Size       int64  `json:"size"` // 0 closes fully
}

// priceJSON carries either a decimal string or a mantissa with exponent
type priceJSON struct {
	Price         string `json:"price"`
	Mantissa      int64  `json:"mantissa"`
	Expo          int32  `json:"expo"`
	Confidence    string `json:"confidence"`
	Sequence      int64  `json:"sequence"`
	PublishTimeUs int64  `json:"publish_time_us"`
}

type marketJSON struct {
	CommandID   string             `json:"command_id"`
	Authority   string             `json:"authority"`
	Market      string             `json:"market"`
	Config      state.MarketConfig `json:"config"`
	Sensitivity string             `json:"funding_sensitivity"` // Decimal k, overrides config.funding_sensitivity_bps
}

// Parser turns subjects and payloads into commands
type Parser struct {
	PriceDecimals int32
}

// ParseSubject splits an inbound subject into its kind and market. Admin subjects carry
// the market in the payload and return an empty market.
func ParseSubject(subject string) (CommandKind, string, error) {
	parts := strings.Split(subject, ".")
	switch {
	case len(parts) == 4 && parts[0] == "perp" && parts[1] == "orders" && parts[2] == "place":
		return KindPlaceOrder, parts[3], nil
	case len(parts) == 4 && parts[0] == "perp" && parts[1] == "orders" && parts[2] == "close":
		return KindClose, parts[3], nil
	case len(parts) == 3 && parts[0] == "perp" && parts[1] == "prices":
		return KindPrice, parts[2], nil
	case len(parts) == 4 && parts[0] == "perp" && parts[1] == "admin" && parts[2] == "markets":
		switch parts[3] {
		case "create":
			return KindCreateMarket, "", nil
		case "update":
			return KindUpdateMarket, "", nil
		case "pause":
			return KindPause, "", nil
		case "resume":
			return KindResume, "", nil
		}
	}
	return "", "", fmt.Errorf("unroutable subject %q", subject)
}

// Parse converts one message into a command
func (p Parser) Parse(subject string, data []byte) (*Command, error) {
	kind, market, err := ParseSubject(subject)
	if err != nil {
		return nil, err
	}
	return p.ParseKind(kind, market, data)
}

// ParseKind decodes a payload of a known kind. market is ignored for admin kinds,
// which name their market in the payload.
func (p Parser) ParseKind(kind CommandKind, market string, data []byte) (*Command, error) {
	switch kind {
	case KindPlaceOrder:
		return parsePlaceOrder(market, data)
	case KindClose:
		return parseClose(market, data)
	case KindPrice:
		return p.parsePrice(market, data)
	case KindCreateMarket, KindUpdateMarket, KindPause, KindResume:
		return parseMarketCommand(kind, data)
	}
	return nil, fmt.Errorf("unknown command kind %q", kind)
}

func parsePlaceOrder(market string, data []byte) (*Command, error) {
	var j placeOrderJSON
	if err := sonic.ConfigStd.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, err
	}
	return &Command{
		Kind:      KindPlaceOrder,
		CommandID: j.CommandID,
		Market:    market,
		Order: &core.OrderRequest{
			CommandID: j.CommandID,
			Owner:     owner,
			Side:      side,
			Size:      j.Size,
			Leverage:  j.Leverage,
		},
	}, nil
}

func parseClose(market string, data []byte) (*Command, error) {
	var j closeJSON
	if err := sonic.ConfigStd.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse close: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, err
	}
	if j.PositionID == 0 {
		return nil, fmt.Errorf("position_id is required")
	}
	return &Command{
		Kind:      KindClose,
		CommandID: j.CommandID,
		Market:    market,
		Close: &core.CloseRequest{
			CommandID: j.CommandID,
			ID:        state.PositionID(j.PositionID),
			Side:      side,
			Owner:     owner,
			Size:      j.Size,
		},
	}, nil
}

func (p Parser) parsePrice(market string, data []byte) (*Command, error) {
	var j priceJSON
	if err := sonic.ConfigStd.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}

	var price int64
	var err error
	if j.Price != "" {
		price, err = oracle.ParsePrice(j.Price, p.PriceDecimals)
	} else {
		price, err = oracle.Normalize(j.Mantissa, j.Expo, p.PriceDecimals)
	}
	if err != nil {
		return nil, err
	}

	var confidence int64
	if j.Confidence != "" {
		if confidence, err = oracle.ParsePrice(j.Confidence, p.PriceDecimals); err != nil {
			return nil, fmt.Errorf("parse confidence: %w", err)
		}
	}

	ts := j.PublishTimeUs
	if ts == 0 {
		ts = time.Now().UnixMicro()
	}
	return &Command{
		Kind:   KindPrice,
		Market: market,
		Price: &event.PriceUpdate{
			Market:         market,
			Price:          price,
			Confidence:     confidence,
			PriceSequence:  j.Sequence,
			PriceTimestamp: ts,
		},
	}, nil
}

func parseMarketCommand(kind CommandKind, data []byte) (*Command, error) {
	var j marketJSON
	if err := sonic.ConfigStd.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", kind, err)
	}

	cmd := &Command{Kind: kind, CommandID: j.CommandID, Authority: j.Authority, Market: j.Market}
	if kind == KindPause || kind == KindResume {
		if cmd.Market == "" {
			return nil, fmt.Errorf("market is required")
		}
		return cmd, nil
	}

	cfg := j.Config
	if cfg.Name == "" {
		cfg.Name = j.Market
	}
	if j.Sensitivity != "" {
		bps, err := state.ParseFundingSensitivity(j.Sensitivity)
		if err != nil {
			return nil, err
		}
		cfg.FundingSensitivityBps = bps
	}
	cmd.Market = cfg.Name
	cmd.Config = &cfg
	return cmd, nil
}
