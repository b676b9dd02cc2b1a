package connector

import (
	"sync"

	"github.com/skillgate/skillgate/internal/fault"
	"go.uber.org/zap"
)

// Set holds the registered connectors and the session cost meter they
// share.
type Set struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	meter      *Meter
	logger     *zap.Logger
}

// NewSet creates an empty connector set around a session meter.
func NewSet(meter *Meter, logger *zap.Logger) *Set {
	return &Set{
		connectors: make(map[string]Connector),
		meter:      meter,
		logger:     logger,
	}
}

// Register adds a connector to the set.
func (s *Set) Register(c Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectors[c.ID()] = c
	s.logger.Info("registered connector", zap.String("id", c.ID()), zap.String("name", c.Name()))
}

// Get returns a connector by ID.
func (s *Set) Get(id string) (Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connectors[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "connector %q not registered", id)
	}
	return c, nil
}

// List returns all registered connectors.
func (s *Set) List() []Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		out = append(out, c)
	}
	return out
}

// Meter returns the shared session cost meter.
func (s *Set) Meter() *Meter { return s.meter }

// FromConfigs builds a set from connector configs, skipping unknown
// types with a warning.
func FromConfigs(cfgs []Config, meter *Meter, logger *zap.Logger) *Set {
	set := NewSet(meter, logger)
	for _, cfg := range cfgs {
		switch cfg.Type {
		case "anthropic":
			set.Register(NewAnthropicConnector(cfg, meter, logger))
		case "storage":
			set.Register(NewStorageConnector(cfg, meter, logger))
		default:
			logger.Warn("unknown connector type", zap.String("id", cfg.ID), zap.String("type", cfg.Type))
		}
	}
	return set
}
