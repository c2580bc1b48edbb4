package model

import (
	"errors"
	"fmt"
)

// Sentinel errors used for classification with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrServiceabilityDenied = errors.New("serviceability denied")
	ErrInvalidState         = errors.New("invalid state")
	ErrCarrierRejected      = errors.New("carrier rejected task")
	ErrDuplicateSplit       = errors.New("split already exists")
	ErrConflict             = errors.New("concurrent modification")
)

// Entity names used in NotFoundError.
const (
	EntityOrder = "order"
	EntityStore = "store"
	EntitySplit = "split"
	EntityInfo  = "order info"
)

// NotFoundError reports a missing order, store or split.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UpstreamError wraps a failed or timed out call to an external collaborator.
type UpstreamError struct {
	Service string
	Op      string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamUnavailable }

// ServiceabilityError reports that the carrier cannot serve a split's destination.
type ServiceabilityError struct {
	SplitID string
	Reason  string
}

func (e *ServiceabilityError) Error() string {
	return fmt.Sprintf("split %s not serviceable: %s", e.SplitID, e.Reason)
}

func (e *ServiceabilityError) Is(target error) bool { return target == ErrServiceabilityDenied }

// InvalidStateError reports an action attempted from a status that does not permit it.
type InvalidStateError struct {
	SplitID string
	Status  OrderStatus
	Action  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s split %s in status %s", e.Action, e.SplitID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
