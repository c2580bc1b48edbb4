// Package lifecycle drives split orders from creation to a terminal status.
package lifecycle

import "ofs/internal/model"

// Action is an operator or carrier trigger.
type Action string

const (
	ActionHold     Action = "hold"
	ActionReady    Action = "ready"
	ActionDispatch Action = "dispatch"
	ActionDeliver  Action = "deliver"
	ActionCancel   Action = "cancel"
)

// ParseAction maps a route segment to an Action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionHold, ActionReady, ActionDispatch, ActionDeliver, ActionCancel:
		return a, true
	}
	return "", false
}

// Target is the status an action moves a split into.
func (a Action) Target() model.OrderStatus {
	switch a {
	case ActionHold:
		return model.StatusOnHold
	case ActionReady:
		return model.StatusReadyForPickup
	case ActionDispatch:
		return model.StatusOutForDelivery
	case ActionDeliver:
		return model.StatusDelivered
	case ActionCancel:
		return model.StatusCancelled
	}
	return ""
}

// edges lists the statuses reachable from each status. Holding an on-hold split
// again only changes its sub-state.
var edges = map[model.OrderStatus][]model.OrderStatus{
	model.StatusNew:            {model.StatusOnHold, model.StatusReadyForPickup, model.StatusCancelled},
	model.StatusOnHold:         {model.StatusOnHold, model.StatusReadyForPickup, model.StatusCancelled},
	model.StatusReadyForPickup: {model.StatusOutForDelivery, model.StatusCancelled},
	model.StatusOutForDelivery: {model.StatusDelivered, model.StatusCancelled},
}

// CanTransition reports whether a split in from may move to to.
func CanTransition(from, to model.OrderStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}
