package logistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"ofs/internal/model"
)

// Stub is an in-process carrier that accepts everything unless told otherwise.
// It backs local runs without a carrier endpoint and the lifecycle tests.
type Stub struct {
	mu sync.Mutex

	// Deny makes serviceability checks fail with this reason.
	Deny string
	// Reject makes task creation return this status code instead of ACCEPTED.
	Reject string
	// Err is returned from every call when set.
	Err error
	// Payout is quoted on serviceable checks.
	Payout model.Payout

	next      int
	created   []string
	cancelled []string
}

func NewStub() *Stub {
	price := decimal.RequireFromString("40.00")
	tax := decimal.RequireFromString("7.20")
	return &Stub{Payout: model.Payout{Price: price, Tax: tax, Total: price.Add(tax)}}
}

func (s *Stub) CheckServiceability(_ context.Context, ref Ref) (Serviceability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return Serviceability{}, s.Err
	}
	if s.Deny != "" {
		return Serviceability{Reason: s.Deny}, nil
	}
	return Serviceability{LocationServiceable: true, RiderServiceable: true, Payout: s.Payout}, nil
}

func (s *Stub) CreateTask(_ context.Context, ref Ref) (TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return TaskResult{}, s.Err
	}
	if s.Reject != "" {
		return TaskResult{Status: "FAILED", StatusCode: s.Reject, Message: "task rejected"}, nil
	}
	s.next++
	s.created = append(s.created, ref.SplitID)
	return TaskResult{
		Status:     "CREATED",
		TaskID:     fmt.Sprintf("task-%d", s.next),
		StatusCode: model.CarrierAccepted,
		Message:    "rider assigned",
	}, nil
}

func (s *Stub) CancelTask(_ context.Context, ref Ref) (TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return TaskResult{}, s.Err
	}
	s.cancelled = append(s.cancelled, ref.TaskID)
	return TaskResult{Status: model.CarrierCancelled, StatusCode: "200", Message: "task cancelled"}, nil
}

// Created lists split ids a task was created for.
func (s *Stub) Created() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

// Cancelled lists cancelled task ids.
func (s *Stub) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// SetErr changes Err under the lock, for tests that flip the carrier mid-run.
func (s *Stub) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}
