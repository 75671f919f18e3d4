package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

const (
	fetchLimit       = 50
	requestTimeout   = 10 * time.Second
	reconnectBackoff = 2 * time.Second
	maxBackoff       = 30 * time.Second
)

// relayClient talks to a unilink relay server: REST for send/fetch/delete and
// a websocket per subscription for push delivery.
type relayClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewRelayClient returns a Transport backed by the relay server at baseURL
// (e.g. "https://relay.example.org"). apiKey may be empty for open relays.
func NewRelayClient(baseURL, apiKey string) Transport {
	return &relayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: requestTimeout},
	}
}

func (c *relayClient) auth(h http.Header) {
	if c.apiKey != "" {
		h.Set("apikey", c.apiKey)
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *relayClient) Send(ctx context.Context, senderID, receiverID string, t Type, payload any) (string, error) {
	data, err := EncodeData(payload)
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	body, err := json.Marshal(Envelope{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       t,
		Data:       data,
	})
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/signals", bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", &TransportError{Op: "send", Err: httpError(resp)}
	}

	var stored Envelope
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	log.Debugf("sent %s %s → %s (id=%s)", t, senderID, receiverID, stored.ID)
	return stored.ID, nil
}

func (c *relayClient) FetchPending(ctx context.Context, userID string) ([]Envelope, error) {
	u := fmt.Sprintf("%s/api/signals?receiver_id=%s&limit=%d", c.baseURL, url.QueryEscape(userID), fetchLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	c.auth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "fetch", Err: httpError(resp)}
	}

	var envs []Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	return envs, nil
}

func (c *relayClient) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/signals/"+url.PathEscape(id), nil)
	if err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	c.auth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return &TransportError{Op: "delete", Err: httpError(resp)}
	}
	return nil
}

// Subscribe opens a dedicated websocket to the relay and pumps envelopes into
// fn until cancelled. The connection is re-dialed with backoff after network
// errors; envelopes missed while disconnected are still stored and will be
// picked up by FetchPending or redelivery on reconnect.
func (c *relayClient) Subscribe(userID string, fn func(Envelope)) (func(), error) {
	wsURL, err := c.subscribeURL(userID)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	go c.pump(ctx, wsURL, userID, fn)

	return func() { once.Do(cancel) }, nil
}

func (c *relayClient) subscribeURL(userID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/signals/subscribe"
	u.RawQuery = "receiver_id=" + url.QueryEscape(userID)
	return u.String(), nil
}

func (c *relayClient) pump(ctx context.Context, wsURL, userID string, fn func(Envelope)) {
	backoff := reconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		hdr := http.Header{}
		c.auth(hdr)
		conn, _, err := c.dialer.DialContext(ctx, wsURL, hdr)
		if err != nil {
			log.Warnf("subscribe dial for %s failed: %v (retrying in %s)", userID, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = reconnectBackoff
		log.Debugf("subscribed for %s", userID)

		// Close the socket when cancelled so ReadJSON unblocks.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				if ctx.Err() == nil {
					log.Warnf("subscription for %s dropped: %v", userID, err)
				}
				break
			}
			fn(env)
		}
		close(done)
		conn.Close()
	}
}

func httpError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("relay returned %d: %s", resp.StatusCode, msg)
}
