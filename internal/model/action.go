package model

import (
	"errors"
	"fmt"
)

// Action is the advisory decision emitted by the signal model. It is a
// closed set; the numeric model output is decoded once at the boundary.
type Action string

const (
	ActionHold Action = "HOLD"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ErrUnknownAction is returned for model outputs outside {0, 1, 2}.
var ErrUnknownAction = errors.New("model: unknown action code")

// ActionFromCode decodes the model's 0/1/2 output.
func ActionFromCode(code int) (Action, error) {
	switch code {
	case 0:
		return ActionHold, nil
	case 1:
		return ActionBuy, nil
	case 2:
		return ActionSell, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownAction, code)
	}
}

// Side maps a tradable action to an order side. HOLD has no side.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	default:
		return "", false
	}
}
