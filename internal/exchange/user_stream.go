package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"perp-trading-agent/internal/logging"
)

const (
	userStreamURL        = "wss://fstream.binance.com/ws/"
	userStreamTestnetURL = "wss://stream.binancefuture.com/ws/"

	listenKeyKeepalive = 30 * time.Minute
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// UserStream subscribes to the venue's user-data websocket and publishes
// order/account change events. The reconciler uses these as a nudge to sync
// immediately instead of waiting for the next poll tick.
type UserStream struct {
	client  *RestClient
	wsURL   string
	events  chan UserStreamEvent
	log     *logging.Logger
}

// NewUserStream creates a stream bound to the REST gateway's credentials.
func NewUserStream(client *RestClient) *UserStream {
	wsURL := userStreamURL
	if client.cfg.TestNet {
		wsURL = userStreamTestnetURL
	}
	return &UserStream{
		client: client,
		wsURL:  wsURL,
		events: make(chan UserStreamEvent, 64),
		log:    logging.New("user-stream"),
	}
}

// Events returns the channel of stream events.
func (s *UserStream) Events() <-chan UserStreamEvent { return s.events }

// Run maintains the listen key and websocket until ctx is cancelled.
// Failures reconnect with exponential backoff; the stream is advisory, the
// poll-based sync loop remains the source of truth.
func (s *UserStream) Run(ctx context.Context) {
	defer close(s.events)

	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		listenKey, err := s.acquireListenKey(ctx)
		if err != nil {
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("listen key acquisition failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		err = s.consume(ctx, listenKey)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Dur("retry_in", delay).Msg("user stream disconnected")
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *UserStream) acquireListenKey(ctx context.Context) (string, error) {
	body, err := s.client.signedRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &NetworkError{Op: "listen_key", Err: err}
	}
	return resp.ListenKey, nil
}

func (s *UserStream) consume(ctx context.Context, listenKey string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL+listenKey, nil)
	if err != nil {
		return &NetworkError{Op: "user_stream_dial", Err: err}
	}
	defer conn.Close()

	s.log.Info().Msg("user data stream connected")

	// Keepalive loop; the venue expires idle listen keys after 60 minutes.
	keepaliveDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(listenKeyKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepaliveDone:
				return
			case <-ticker.C:
				if _, err := s.client.signedRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", nil); err != nil {
					s.log.Warn().Err(err).Msg("listen key keepalive failed")
				}
			}
		}
	}()
	defer close(keepaliveDone)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return &NetworkError{Op: "user_stream_read", Err: err}
		}
		s.dispatch(message)
	}
}

func (s *UserStream) dispatch(message []byte) {
	var envelope struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Order     struct {
			Symbol  string `json:"s"`
			OrderID int64  `json:"i"`
			Status  string `json:"X"`
		} `json:"o"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return
	}

	var event UserStreamEvent
	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		event = UserStreamEvent{
			Type:      "order_update",
			Symbol:    s.client.mapper.FromVenue(envelope.Order.Symbol),
			OrderID:   intToStr(envelope.Order.OrderID),
			Status:    envelope.Order.Status,
			Timestamp: time.UnixMilli(envelope.EventTime),
		}
	case "ACCOUNT_UPDATE":
		event = UserStreamEvent{
			Type:      "account_update",
			Timestamp: time.UnixMilli(envelope.EventTime),
		}
	default:
		return
	}

	// Drop events rather than block the read loop on a slow consumer.
	select {
	case s.events <- event:
	default:
	}
}

func intToStr(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	return d
}
