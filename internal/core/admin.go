package core

import (
	"time"

	"MemePerp/internal/state"
)

// checkConfigUpdate validates a replacement config against the live book
func (m *Market) checkConfigUpdate(cfg state.MarketConfig) error {
	if err := cfg.Validate(); err != nil {
		return &Error{Kind: KindInvalidConfig, Market: m.name, Err: err}
	}
	if cfg.Name != m.cfg.Name {
		return newError(KindInvalidConfig, m.name, "market name cannot change to %q", cfg.Name)
	}
	if long, short := m.book.TotalLongSize(), m.book.TotalShortSize(); cfg.MaxPositionSize < long || cfg.MaxPositionSize < short {
		return newError(KindInvalidConfig, m.name,
			"max_position_size %d below open interest (long %d, short %d)", cfg.MaxPositionSize, long, short)
	}
	return nil
}

func (m *Market) authorize(authority string) error {
	if authority == "" || authority != m.authority {
		return newError(KindUnauthorized, m.name, "authority %q may not administer this market", authority)
	}
	return nil
}

// UpdateConfig replaces the market's parameters. Only the market authority may call it.
// Unset extended fields take their defaults.
func (m *Market) UpdateConfig(authority string, cfg state.MarketConfig, commandID string, now time.Time) (*CoreOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize(authority); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := m.checkConfigUpdate(cfg); err != nil {
		return nil, err
	}

	out, err := m.commit(&MarketConfigUpdated{
		CommandID: commandID,
		Market:    m.name,
		Authority: authority,
		Previous:  m.cfg,
		Config:    cfg,
		Timestamp: now.UnixMicro(),
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("authority", authority).Msg("market config updated")
	return out, nil
}

// SetPaused toggles order admission. Setting the current state again is a no-op and
// returns a nil output.
func (m *Market) SetPaused(authority string, paused bool, commandID string, now time.Time) (*CoreOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize(authority); err != nil {
		return nil, err
	}
	if m.paused == paused {
		return nil, nil
	}

	out, err := m.commit(&MarketPauseChanged{
		CommandID: commandID,
		Market:    m.name,
		Authority: authority,
		Paused:    paused,
		Timestamp: now.UnixMicro(),
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Bool("paused", paused).Str("authority", authority).Msg("market pause changed")
	return out, nil
}

// Paused reports whether order admission is suspended
func (m *Market) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
