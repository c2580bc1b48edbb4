package notify

import (
	"context"
	"net/http"
	"time"

	"ofs/internal/httpjson"
	"ofs/internal/model"
)

type emailRequest struct {
	SplitID      string            `json:"splitId"`
	OrderStatus  model.OrderStatus `json:"orderStatus"`
	OrderName    string            `json:"orderName"`
	CustomerName string            `json:"customerName"`
	To           string            `json:"to"`
}

// HTTPEmailSender posts status emails to the mail service.
type HTTPEmailSender struct {
	c *httpjson.Client
}

func NewHTTPEmailSender(baseURL string, timeout time.Duration) *HTTPEmailSender {
	return &HTTPEmailSender{c: httpjson.New("email", baseURL, timeout)}
}

func NewHTTPEmailSenderWith(c *httpjson.Client) *HTTPEmailSender {
	return &HTTPEmailSender{c: c}
}

func (s *HTTPEmailSender) SendEmail(ctx context.Context, msg Message) error {
	return s.c.Do(ctx, "send email", http.MethodPost, "/emails", emailRequest{
		SplitID:      msg.SplitID,
		OrderStatus:  msg.OrderStatus,
		OrderName:    msg.OrderName,
		CustomerName: msg.CustomerName,
		To:           msg.Email,
	}, nil, model.NotFoundError{})
}
