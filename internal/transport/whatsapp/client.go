// Package whatsapp relays customer notifications to a WhatsApp HTTP gateway.
//
// The gateway contract is a JSON POST of {"to","text"} with an optional
// bearer token; any 2xx response means the message was accepted.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"

	"golang.org/x/time/rate"
)

type Config struct {
	Endpoint   string
	Token      string
	RatePerSec int
	Timeout    time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

type payload struct {
	To   string `json:"to"`
	Name string `json:"name,omitempty"`
	Text string `json:"text"`
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("whatsapp gateway: http %d", e.Code)
	}
	return fmt.Sprintf("whatsapp gateway: http %d: %s", e.Code, e.Body)
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("whatsapp endpoint is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "whatsapp")),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c, nil
}

func (c *Client) Name() string { return "whatsapp" }

func (c *Client) Send(ctx context.Context, to domain.Contact, text string) error {
	dest := strings.TrimSpace(to.Destination())
	if dest == "" {
		return fmt.Errorf("whatsapp: contact %s has no phone number", to.ID)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := json.Marshal(payload{To: dest, Name: to.Name, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(c.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	c.log.Debug("message accepted", logx.String("to", to.ID), logx.Int("status", resp.StatusCode))
	return nil
}
