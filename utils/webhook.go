package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultWebhookTimeout = 15 * time.Second

// FastWebhookClient sends webhook calls over fasthttp. It implements
// engine.WebhookClient.
type FastWebhookClient struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewWebhookClient(timeout time.Duration) *FastWebhookClient {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &FastWebhookClient{
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

// Do performs one HTTP call and returns the status code and body. The
// caller decides which statuses count as success.
func (c *FastWebhookClient) Do(ctx context.Context, method, url string, headers map[string]string, payload map[string]any) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode webhook payload: %w", err)
		}
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return resp.StatusCode(), body, nil
}
