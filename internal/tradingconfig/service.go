package tradingconfig

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scope names for stored overrides and audit entries.
const (
	ScopeGlobal     = "global"
	ScopeSymbol     = "symbol"
	ScopeSymbolSide = "symbol_side"
)

// ErrOverrideNotFound is returned when deleting an absent override.
var ErrOverrideNotFound = errors.New("trading config override not found")

// Store persists the override tree and the audit trail.
type Store interface {
	LoadGlobal(ctx context.Context) (*Override, error)
	LoadSymbol(ctx context.Context, symbol string) (*Override, error)
	LoadSymbolSide(ctx context.Context, symbol, side string) (*Override, error)
	SaveGlobal(ctx context.Context, o *Override) error
	SaveSymbol(ctx context.Context, symbol string, o *Override) error
	SaveSymbolSide(ctx context.Context, symbol, side string, o *Override) error
	DeleteSymbol(ctx context.Context, symbol string) error
	DeleteSymbolSide(ctx context.Context, symbol, side string) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// Cache holds resolved parameter trees with a TTL so dispatch does not hit
// the store on every signal.
type Cache interface {
	Get(ctx context.Context, key string) (*Params, bool)
	Set(ctx context.Context, key string, params *Params)
	Invalidate(ctx context.Context)
}

// Service resolves effective parameters with symbol-side over symbol over
// global over defaults, caching the result.
type Service struct {
	store  Store
	cache  Cache
	logger zerolog.Logger
}

// NewService creates a config service. cache may be nil to disable caching.
func NewService(store Store, cache Cache, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger.With().Str("component", "TradingConfig").Logger(),
	}
}

// Resolve returns the effective parameters for a (symbol, side). Empty
// symbol or side resolve the shorter prefix of the hierarchy.
func (s *Service) Resolve(ctx context.Context, symbol, side string) (Params, error) {
	key := cacheKey(symbol, side)
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			return *cached, nil
		}
	}

	params := Defaults()
	if s.store != nil {
		global, err := s.store.LoadGlobal(ctx)
		if err != nil {
			return params, err
		}
		global.apply(&params)

		if symbol != "" {
			sym, err := s.store.LoadSymbol(ctx, symbol)
			if err != nil {
				return params, err
			}
			sym.apply(&params)

			if side != "" {
				symSide, err := s.store.LoadSymbolSide(ctx, symbol, side)
				if err != nil {
					return params, err
				}
				symSide.apply(&params)
			}
		}
	}

	if s.cache != nil {
		cp := params
		s.cache.Set(ctx, key, &cp)
	}
	return params, nil
}

// SetOverride writes one level of the tree, audits the write and drops the
// cache so the next resolve sees it.
func (s *Service) SetOverride(ctx context.Context, symbol, side, actor string, o *Override) error {
	if s.store == nil {
		return errors.New("trading config store not configured")
	}
	var err error
	scope := ScopeGlobal
	switch {
	case symbol == "":
		err = s.store.SaveGlobal(ctx, o)
	case side == "":
		scope = ScopeSymbol
		err = s.store.SaveSymbol(ctx, symbol, o)
	default:
		scope = ScopeSymbolSide
		err = s.store.SaveSymbolSide(ctx, symbol, side, o)
	}
	if err != nil {
		return err
	}

	s.audit(ctx, &AuditEntry{
		Scope: scope, Symbol: symbol, Side: side,
		Action: "set", Override: o, Actor: actor,
		Timestamp: time.Now().UTC(),
	})
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	s.logger.Info().Str("scope", scope).Str("symbol", symbol).Str("side", side).Msg("Trading config updated")
	return nil
}

// DeleteOverride removes a symbol or symbol-side override.
func (s *Service) DeleteOverride(ctx context.Context, symbol, side, actor string) error {
	if s.store == nil {
		return errors.New("trading config store not configured")
	}
	var err error
	scope := ScopeSymbol
	if side == "" {
		err = s.store.DeleteSymbol(ctx, symbol)
	} else {
		scope = ScopeSymbolSide
		err = s.store.DeleteSymbolSide(ctx, symbol, side)
	}
	if err != nil {
		return err
	}

	s.audit(ctx, &AuditEntry{
		Scope: scope, Symbol: symbol, Side: side,
		Action: "delete", Actor: actor,
		Timestamp: time.Now().UTC(),
	})
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
	s.logger.Info().Str("scope", scope).Str("symbol", symbol).Str("side", side).Msg("Trading config override removed")
	return nil
}

func (s *Service) audit(ctx context.Context, entry *AuditEntry) {
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append config audit entry")
	}
}

func cacheKey(symbol, side string) string {
	return "tradingconfig:" + symbol + ":" + side
}

// MemoryStore keeps the override tree in process memory. Used in tests and
// dry-run mode.
type MemoryStore struct {
	mu         sync.RWMutex
	global     *Override
	symbol     map[string]*Override
	symbolSide map[string]*Override
	audit      []*AuditEntry
}

// NewMemoryStore creates an empty in-memory config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		symbol:     make(map[string]*Override),
		symbolSide: make(map[string]*Override),
	}
}

func (s *MemoryStore) LoadGlobal(_ context.Context) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global, nil
}

func (s *MemoryStore) LoadSymbol(_ context.Context, symbol string) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbol[symbol], nil
}

func (s *MemoryStore) LoadSymbolSide(_ context.Context, symbol, side string) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbolSide[symbol+":"+side], nil
}

func (s *MemoryStore) SaveGlobal(_ context.Context, o *Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = o
	return nil
}

func (s *MemoryStore) SaveSymbol(_ context.Context, symbol string, o *Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbol[symbol] = o
	return nil
}

func (s *MemoryStore) SaveSymbolSide(_ context.Context, symbol, side string, o *Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolSide[symbol+":"+side] = o
	return nil
}

func (s *MemoryStore) DeleteSymbol(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbol[symbol]; !ok {
		return ErrOverrideNotFound
	}
	delete(s.symbol, symbol)
	return nil
}

func (s *MemoryStore) DeleteSymbolSide(_ context.Context, symbol, side string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := symbol + ":" + side
	if _, ok := s.symbolSide[key]; !ok {
		return ErrOverrideNotFound
	}
	delete(s.symbolSide, key)
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditTrail returns a copy of the recorded audit entries.
func (s *MemoryStore) AuditTrail() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

var _ Store = (*MemoryStore)(nil)
