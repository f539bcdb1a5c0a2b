package signal

import (
	"errors"
	"math"
	"testing"
)

func validSignal() Signal {
	return Signal{
		StrategyID:   "momentum_v1",
		Symbol:       "BTCUSDT",
		Action:       ActionBuy,
		Confidence:   0.8,
		Timeframe:    Timeframe15m,
		CurrentPrice: 45000,
	}
}

func TestNormalizeDefaults(t *testing.T) {
	s := Signal{Symbol: "  btcusdt "}
	s.Normalize()

	if s.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", s.Symbol)
	}
	if s.OrderType != "" {
		t.Errorf("OrderType = %q, want empty until execution config resolves it", s.OrderType)
	}
	if s.TimeInForce != "" {
		t.Errorf("TimeInForce = %q, want empty until execution config resolves it", s.TimeInForce)
	}
	if s.StrategyMode != ModeDeterministic {
		t.Errorf("StrategyMode = %q, want deterministic", s.StrategyMode)
	}
	if s.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Signal)
		wantErr error
	}{
		{"valid", func(s *Signal) {}, nil},
		{"missing strategy id", func(s *Signal) { s.StrategyID = "" }, ErrMissingStrategyID},
		{"missing symbol", func(s *Signal) { s.Symbol = "" }, ErrMissingSymbol},
		{"bad action", func(s *Signal) { s.Action = "close" }, ErrInvalidAction},
		{"confidence above one", func(s *Signal) { s.Confidence = 1.2 }, ErrInvalidConfidence},
		{"negative confidence", func(s *Signal) { s.Confidence = -0.1 }, ErrInvalidConfidence},
		{"unknown timeframe", func(s *Signal) { s.Timeframe = "7m" }, ErrInvalidTimeframe},
		{"zero price", func(s *Signal) { s.CurrentPrice = 0 }, ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSignal()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimeframeWeights(t *testing.T) {
	ordered := []Timeframe{Timeframe1m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w}
	for i := 1; i < len(ordered); i++ {
		lo, hi := ordered[i-1], ordered[i]
		if lo.Weight() >= hi.Weight() {
			t.Errorf("weight(%s)=%v should be below weight(%s)=%v", lo, lo.Weight(), hi, hi.Weight())
		}
	}
	if Timeframe("45m").Weight() != 0 {
		t.Error("unknown timeframe should weigh 0")
	}
	if Timeframe("45m").Valid() {
		t.Error("unknown timeframe should not be valid")
	}
}

func TestScore(t *testing.T) {
	s := validSignal()
	s.Confidence = 0.8
	s.Timeframe = Timeframe4h
	s.StrategyMode = ModeMLModel

	got := s.Score(1.5)
	want := 0.8 * 1.3 * 1.5 * 1.1
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", got, want)
	}
}

func TestScoreDefaultsStrategyWeight(t *testing.T) {
	s := validSignal()
	s.Timeframe = Timeframe1h
	s.StrategyMode = ModeLLMReasoning

	got := s.Score(0)
	want := 0.8 * 1.0 * 1.0 * 0.9
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", got, want)
	}
}
