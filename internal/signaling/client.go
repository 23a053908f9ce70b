// Package signaling is a JSON-RPC 2.0 client for an ion-sfu style selective
// forwarding unit over WebSocket.
//
// The client joins a room with an offer and receives the answer as the call
// result. The server may later push "offer" (renegotiation) and "trickle"
// notifications, which are handed to the registered callbacks.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpcws "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
)

const defaultDialTimeout = 10 * time.Second

// ErrClosed is returned by calls on a closed client
var ErrClosed = errors.New("signaling: connection closed")

// Join is the "join" request payload
type Join struct {
	SID   string                     `json:"sid"`
	UID   string                     `json:"uid"`
	Offer *webrtc.SessionDescription `json:"offer"`
}

// Negotiation carries a description in either direction after joining
type Negotiation struct {
	Desc webrtc.SessionDescription `json:"desc"`
}

// Trickle carries one ICE candidate
type Trickle struct {
	Target    int                     `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// OfferHandler answers a server-initiated offer
type OfferHandler func(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// TrickleHandler receives a remote ICE candidate
type TrickleHandler func(candidate webrtc.ICECandidateInit, target int)

// Client is one signaling connection
type Client struct {
	conn   *jsonrpc2.Conn
	logger *zap.Logger

	mu        sync.RWMutex
	onOffer   OfferHandler
	onTrickle TrickleHandler
}

// Dial connects to the signaling server at url
func Dial(ctx context.Context, url string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if logger == nil {
		logger = zap.L()
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeout

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &Client{logger: logger.Named("signaling").With(zap.String("url", url))}
	c.conn = jsonrpc2.NewConn(context.Background(), jsonrpcws.NewObjectStream(ws), jsonrpc2.AsyncHandler(c))
	c.logger.Debug("Connected to signaling server")
	return c, nil
}

// OnOffer registers the handler for server-initiated offers
func (c *Client) OnOffer(h OfferHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffer = h
}

// OnTrickle registers the handler for remote candidates
func (c *Client) OnTrickle(h TrickleHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrickle = h
}

// Join enters room sid with offer and returns the server's answer
func (c *Client) Join(ctx context.Context, sid, uid string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var answer webrtc.SessionDescription
	if err := c.call(ctx, "join", Join{SID: sid, UID: uid, Offer: &offer}, &answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("join %q: %w", sid, err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("join %q: unexpected %s description", sid, answer.Type)
	}
	return answer, nil
}

// Offer sends a client-initiated renegotiation and returns the answer
func (c *Client) Offer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var answer webrtc.SessionDescription
	if err := c.call(ctx, "offer", Negotiation{Desc: offer}, &answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("offer: %w", err)
	}
	return answer, nil
}

// Trickle sends a local ICE candidate
func (c *Client) Trickle(ctx context.Context, candidate webrtc.ICECandidateInit, target int) error {
	if err := c.conn.Notify(ctx, "trickle", Trickle{Target: target, Candidate: candidate}); err != nil {
		return c.closedOr(err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	if err := c.conn.Call(ctx, method, params, result); err != nil {
		return c.closedOr(err)
	}
	return nil
}

func (c *Client) closedOr(err error) error {
	select {
	case <-c.conn.DisconnectNotify():
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

// Close ends the connection
func (c *Client) Close() error {
	err := c.conn.Close()
	if errors.Is(err, jsonrpc2.ErrClosed) {
		return nil
	}
	return err
}

// Handle dispatches server notifications
func (c *Client) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Params == nil {
		c.logger.Warn("Dropping notification without params", zap.String("method", req.Method))
		return
	}

	switch req.Method {
	case "offer":
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(*req.Params, &offer); err != nil {
			c.logger.Error("Failed to unmarshal offer", zap.Error(err))
			return
		}
		c.mu.RLock()
		h := c.onOffer
		c.mu.RUnlock()
		if h == nil {
			c.logger.Warn("No handler for server offer")
			return
		}

		answer, err := h(offer)
		if err != nil {
			c.logger.Error("Failed to answer server offer", zap.Error(err))
			return
		}
		if err := conn.Notify(ctx, "answer", Negotiation{Desc: answer}); err != nil {
			c.logger.Error("Failed to send answer", zap.Error(err))
		}

	case "trickle":
		var t Trickle
		if err := json.Unmarshal(*req.Params, &t); err != nil {
			c.logger.Error("Failed to unmarshal trickle", zap.Error(err))
			return
		}
		c.mu.RLock()
		h := c.onTrickle
		c.mu.RUnlock()
		if h != nil {
			h(t.Candidate, t.Target)
		}

	default:
		c.logger.Debug("Ignoring notification", zap.String("method", req.Method))
	}
}
