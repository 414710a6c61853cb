package trader

import (
	"fmt"

	"perp-trading-agent/internal/exchange"
)

// SignalType is the tactical instruction for one symbol.
type SignalType string

const (
	SignalEnterLong  SignalType = "enter_long"
	SignalExitLong   SignalType = "exit_long"
	SignalEnterShort SignalType = "enter_short"
	SignalExitShort  SignalType = "exit_short"
	SignalHold       SignalType = "hold"
)

// IsEntry reports whether the signal opens or adds to a position.
func (t SignalType) IsEntry() bool {
	return t == SignalEnterLong || t == SignalEnterShort
}

// IsExit reports whether the signal reduces or closes a position.
func (t SignalType) IsExit() bool {
	return t == SignalExitLong || t == SignalExitShort
}

// PositionSide returns the position side the signal acts on.
func (t SignalType) PositionSide() exchange.Side {
	switch t {
	case SignalEnterLong, SignalExitLong:
		return exchange.SideBuy
	default:
		return exchange.SideSell
	}
}

// Valid reports whether the signal type is known.
func (t SignalType) Valid() bool {
	switch t {
	case SignalEnterLong, SignalExitLong, SignalEnterShort, SignalExitShort, SignalHold:
		return true
	}
	return false
}

// allowedCloseFractions are the exit sizes the model may request.
var allowedCloseFractions = []float64{0.5, 0.7, 1.0}

// Signal is the trader's per-symbol output. Symbol is always the full pair
// form matching the snapshot it was produced from.
type Signal struct {
	Symbol            string     `json:"symbol"`
	SignalType        SignalType `json:"signal_type"`
	Confidence        float64    `json:"confidence"`
	SuggestedPrice    float64    `json:"suggested_price,omitempty"`
	SuggestedAmount   float64    `json:"suggested_amount,omitempty"`
	Leverage          int        `json:"leverage,omitempty"`
	StopLoss          float64    `json:"stop_loss,omitempty"`
	TakeProfit        float64    `json:"take_profit,omitempty"`
	Reasoning         string     `json:"reasoning"`
	SupportingFactors []string   `json:"supporting_factors,omitempty"`
	RiskFactors       []string   `json:"risk_factors,omitempty"`
	CloseFraction     float64    `json:"close_fraction,omitempty"`
}

// Hold builds a hold signal with the given reasoning.
func Hold(symbol, reasoning string) *Signal {
	return &Signal{Symbol: symbol, SignalType: SignalHold, Reasoning: reasoning}
}

// Validate checks the signal's own consistency. Holds only need reasoning;
// everything else is bounded per the decision contract.
func (s *Signal) Validate() error {
	if !s.SignalType.Valid() {
		return fmt.Errorf("unknown signal type %q", s.SignalType)
	}
	if s.SignalType == SignalHold {
		return nil
	}

	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0,1]", s.Confidence)
	}
	if s.SuggestedPrice < 0 || s.SuggestedAmount < 0 || s.StopLoss < 0 || s.TakeProfit < 0 {
		return fmt.Errorf("negative numeric field")
	}
	if s.Leverage < 0 {
		return fmt.Errorf("negative leverage")
	}

	if s.SignalType.IsEntry() && s.SuggestedPrice > 0 {
		long := s.SignalType == SignalEnterLong
		if s.StopLoss > 0 {
			if long && s.StopLoss >= s.SuggestedPrice {
				return fmt.Errorf("long stop %.4f not below entry %.4f", s.StopLoss, s.SuggestedPrice)
			}
			if !long && s.StopLoss <= s.SuggestedPrice {
				return fmt.Errorf("short stop %.4f not above entry %.4f", s.StopLoss, s.SuggestedPrice)
			}
		}
		if s.TakeProfit > 0 {
			if long && s.TakeProfit <= s.SuggestedPrice {
				return fmt.Errorf("long target %.4f not above entry %.4f", s.TakeProfit, s.SuggestedPrice)
			}
			if !long && s.TakeProfit >= s.SuggestedPrice {
				return fmt.Errorf("short target %.4f not below entry %.4f", s.TakeProfit, s.SuggestedPrice)
			}
		}
	}

	if s.SignalType.IsExit() && s.CloseFraction != 0 {
		ok := false
		for _, allowed := range allowedCloseFractions {
			if floatsEqual(s.CloseFraction, allowed) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("close_fraction %.2f not in {0.5, 0.7, 1.0}", s.CloseFraction)
		}
	}

	return nil
}

// EffectiveCloseFraction defaults omitted exit fractions to a full close.
func (s *Signal) EffectiveCloseFraction() float64 {
	if s.CloseFraction == 0 {
		return 1.0
	}
	return s.CloseFraction
}

func floatsEqual(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}
