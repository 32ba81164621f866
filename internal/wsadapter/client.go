// Package wsadapter is an optional websocket-streamed front-end for the
// engine: it dials an upstream feed, decodes each websocket message as one
// JSON frame tagged by event type (a message carrying several frames is not
// split; it fails to decode and is dropped), and feeds the decoded events
// to a Sink (typically
// *engine.Engine or an *ingestadapter.Adapter). Reconnects on any read/dial
// error with jittered exponential backoff.
package wsadapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"riskguard/internal/errors"
	"riskguard/internal/riskmodel"
)

// Sink is the subset of the engine (or an ingest adapter in front of it)
// this client feeds decoded events to.
type Sink interface {
	OnOrder(riskmodel.Order) error
	OnTrade(riskmodel.Trade) error
	OnCancel(riskmodel.Cancel) error
}

// frame is the wire envelope: Type selects which of the three payload
// fields is populated.
type frame struct {
	Type   string            `json:"type"`
	Order  *riskmodel.Order  `json:"order,omitempty"`
	Trade  *riskmodel.Trade  `json:"trade,omitempty"`
	Cancel *riskmodel.Cancel `json:"cancel,omitempty"`
}

const (
	frameTypeOrder  = "order"
	frameTypeTrade  = "trade"
	frameTypeCancel = "cancel"
)

var ErrUnknownFrameType = errors.New("wsadapter: unknown frame type")

// Client streams events from a single websocket URL into a Sink,
// reconnecting on failure until the context is cancelled.
type Client struct {
	url     string
	sink    Sink
	backoff Backoff
}

// NewClient builds a client dialing url and feeding decoded events to sink.
func NewClient(url string, sink Sink, backoff Backoff) *Client {
	return &Client{url: url, sink: sink, backoff: backoff}
}

// Run dials and reads until ctx is cancelled, reconnecting with backoff
// after any error. It returns only when ctx is done.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff.Next(attempt)):
			}
		}
		attempt++
		if err := c.runOnce(ctx); err != nil {
			logs.Errorf("wsadapter: connection to %s failed, attempt %d: %+v", c.url, attempt, err)
			continue
		}
		// A clean read loop exit (ctx cancellation) resets backoff for any
		// future manual restart; nothing to do here since Run is returning.
		return
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "wsadapter: dial")
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "wsadapter: read")
		}
		if err := c.dispatch(data); err != nil {
			logs.Errorf("wsadapter: dropping malformed frame: %+v", err)
		}
	}
}

func (c *Client) dispatch(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "wsadapter: decode frame")
	}
	switch f.Type {
	case frameTypeOrder:
		if f.Order == nil {
			return ErrUnknownFrameType
		}
		return c.sink.OnOrder(*f.Order)
	case frameTypeTrade:
		if f.Trade == nil {
			return ErrUnknownFrameType
		}
		return c.sink.OnTrade(*f.Trade)
	case frameTypeCancel:
		if f.Cancel == nil {
			return ErrUnknownFrameType
		}
		return c.sink.OnCancel(*f.Cancel)
	default:
		return ErrUnknownFrameType
	}
}
