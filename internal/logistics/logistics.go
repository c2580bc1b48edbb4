// Package logistics is the boundary to the third-party delivery carrier.
package logistics

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"ofs/internal/httpjson"
	"ofs/internal/model"
)

// Ref identifies a split to the carrier.
type Ref struct {
	SplitID          string         `json:"splitId"`
	OrderReferenceID string         `json:"orderReferenceId"`
	StoreID          string         `json:"storeId"`
	StoreCode        string         `json:"storeCode"`
	Pincode          string         `json:"pincode"`
	Customer         model.Customer `json:"customer"`
	Units            int64          `json:"units"`
	TaskID           string         `json:"taskId,omitempty"`
}

// RefFor builds the carrier reference of s.
func RefFor(s model.SplitOrder) Ref {
	return Ref{
		SplitID:          s.SplitID,
		OrderReferenceID: s.OrderReferenceID,
		StoreID:          s.StoreID,
		StoreCode:        s.StoreCode,
		Pincode:          s.Pincode,
		Customer:         s.Customer,
		Units:            s.TotalQuantity(),
		TaskID:           s.TPL.TaskID,
	}
}

// Serviceability is the carrier's answer for a destination. Reason is set when
// the carrier refused the request outright.
type Serviceability struct {
	LocationServiceable bool         `json:"locationServiceable"`
	RiderServiceable    bool         `json:"riderServiceable"`
	Payout              model.Payout `json:"payout"`
	Reason              string       `json:"reason,omitempty"`
}

// OK reports whether both the location and a rider are available.
func (s Serviceability) OK() bool { return s.LocationServiceable && s.RiderServiceable }

// Denial explains a negative answer.
func (s Serviceability) Denial() string {
	switch {
	case s.Reason != "":
		return s.Reason
	case !s.LocationServiceable:
		return "location not serviceable"
	case !s.RiderServiceable:
		return "no rider available"
	}
	return ""
}

// TaskResult is the carrier's response to task creation or cancellation.
type TaskResult struct {
	Status     string `json:"status"`
	TaskID     string `json:"taskId,omitempty"`
	StatusCode string `json:"statusCode"`
	Message    string `json:"message,omitempty"`
}

// Accepted reports carrier acceptance of a created task.
func (r TaskResult) Accepted() bool { return r.StatusCode == model.CarrierAccepted }

// Cancelled reports carrier confirmation of a cancellation.
func (r TaskResult) Cancelled() bool { return r.Status == model.CarrierCancelled }

type Gateway interface {
	CheckServiceability(ctx context.Context, ref Ref) (Serviceability, error)
	CreateTask(ctx context.Context, ref Ref) (TaskResult, error)
	CancelTask(ctx context.Context, ref Ref) (TaskResult, error)
}

// HTTPGateway calls the carrier's JSON API.
type HTTPGateway struct {
	c *httpjson.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{c: httpjson.New("logistics", baseURL, timeout)}
}

func NewHTTPGatewayWith(c *httpjson.Client) *HTTPGateway { return &HTTPGateway{c: c} }

// CheckServiceability treats a 4xx answer as a denial carrying the response body.
func (g *HTTPGateway) CheckServiceability(ctx context.Context, ref Ref) (Serviceability, error) {
	var out Serviceability
	err := g.c.Do(ctx, "check serviceability", http.MethodPost, "/serviceability", ref, &out, model.NotFoundError{})
	var se *httpjson.StatusError
	if errors.As(err, &se) && !errors.Is(err, model.ErrUpstreamUnavailable) {
		reason := se.Body
		if reason == "" {
			reason = http.StatusText(se.Code)
		}
		return Serviceability{Reason: reason}, nil
	}
	if err != nil {
		return Serviceability{}, err
	}
	return out, nil
}

func (g *HTTPGateway) CreateTask(ctx context.Context, ref Ref) (TaskResult, error) {
	var out TaskResult
	if err := g.c.Do(ctx, "create task", http.MethodPost, "/tasks", ref, &out, model.NotFoundError{}); err != nil {
		return TaskResult{}, err
	}
	return out, nil
}

func (g *HTTPGateway) CancelTask(ctx context.Context, ref Ref) (TaskResult, error) {
	var out TaskResult
	err := g.c.Do(ctx, "cancel task", http.MethodPost, "/tasks/"+url.PathEscape(ref.TaskID)+"/cancel", ref, &out,
		model.NotFoundError{})
	if err != nil {
		return TaskResult{}, err
	}
	return out, nil
}
