package webchat

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/redisstream"
	"github.com/go-go-golems/oneline-chat/pkg/relay"
)

const (
	DefaultHubIdleTimeout = 30 * time.Second
	topicPrefix           = "chat."
)

func topicForChat(chatID string) string { return topicPrefix + chatID }

type subscribeFunc func(ctx context.Context, topic string) (<-chan *message.Message, io.Closer, error)

type chatStream struct {
	pool   *ConnectionPool
	cancel context.CancelFunc
	closer io.Closer
}

// StreamHub fans relay events out to websocket watchers. Events go through a
// watermill publisher keyed by chat so several server instances can share
// one Redis stream; each chat with watchers holds one subscription.
type StreamHub struct {
	publisher   message.Publisher
	subscribe   subscribeFunc
	closeFn     func() error
	idleTimeout time.Duration

	baseCtx   context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	chats map[string]*chatStream
}

var _ relay.Observer = (*StreamHub)(nil)

func newStreamHub(pub message.Publisher, sub subscribeFunc, closeFn func() error, idleTimeout time.Duration) *StreamHub {
	if idleTimeout <= 0 {
		idleTimeout = DefaultHubIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamHub{
		publisher:   pub,
		subscribe:   sub,
		closeFn:     closeFn,
		idleTimeout: idleTimeout,
		baseCtx:     ctx,
		stop:        cancel,
		chats:       map[string]*chatStream{},
	}
}

// NewInMemoryStreamHub keeps events inside the process.
func NewInMemoryStreamHub(idleTimeout time.Duration) *StreamHub {
	// Blocking until ack keeps fragments in emission order per chat.
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, redisstream.NewLogger(log.Logger))
	sub := func(ctx context.Context, topic string) (<-chan *message.Message, io.Closer, error) {
		ch, err := ps.Subscribe(ctx, topic)
		return ch, nil, err
	}
	return newStreamHub(ps, sub, ps.Close, idleTimeout)
}

// NewRedisStreamHub publishes to one Redis stream per chat. Every server
// instance reads with its own consumer group so each sees all events.
func NewRedisStreamHub(t *redisstream.Transport, idleTimeout time.Duration) *StreamHub {
	s := t.Settings()
	group := s.Group
	if s.Consumer != "" {
		group = s.Group + "." + s.Consumer
	}
	sub := func(ctx context.Context, topic string) (<-chan *message.Message, io.Closer, error) {
		if err := t.EnsureGroupAtTail(ctx, topic, group); err != nil {
			return nil, nil, errors.Wrapf(err, "ensure group %s on %s", group, topic)
		}
		subscriber, err := t.BuildGroupSubscriber(group, s.Consumer)
		if err != nil {
			return nil, nil, err
		}
		ch, err := subscriber.Subscribe(ctx, topic)
		if err != nil {
			_ = subscriber.Close()
			return nil, nil, err
		}
		return ch, subscriber, nil
	}
	return newStreamHub(t.Publisher(), sub, t.Close, idleTimeout)
}

// OnRelayEvent publishes one relay event to the chat's topic.
func (h *StreamHub) OnRelayEvent(ev relay.Event) {
	if h == nil || ev.ChatID == "" {
		return
	}
	payload, err := json.Marshal(wsFrame{Type: "relay." + string(ev.Type), ChatID: ev.ChatID, Event: &ev})
	if err != nil {
		log.Warn().Err(err).Str("component", "stream_hub").Msg("marshal relay event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("chat_id", ev.ChatID)
	msg.Metadata.Set("request_id", ev.RequestID)
	if err := h.publisher.Publish(topicForChat(ev.ChatID), msg); err != nil {
		log.Warn().Err(err).Str("component", "stream_hub").Str("chat_id", ev.ChatID).Msg("publish relay event")
	}
}

type wsFrame struct {
	Type       string       `json:"type"`
	ChatID     string       `json:"chat_id"`
	ServerTime int64        `json:"server_time,omitempty"`
	Event      *relay.Event `json:"event,omitempty"`
}

// join adds conn to the chat's pool, subscribing on first use. The add
// happens under the hub lock so an idle release cannot race it.
func (h *StreamHub) join(chatID string, conn wsConn, admit AdmitFunc) (*chatStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cs, ok := h.chats[chatID]; ok {
		cs.pool.AddGated(conn, admit)
		return cs, nil
	}
	if h.baseCtx.Err() != nil {
		return nil, errors.New("stream hub is closed")
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	msgs, closer, err := h.subscribe(ctx, topicForChat(chatID))
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe chat %s", chatID)
	}
	cs := &chatStream{cancel: cancel, closer: closer}
	cs.pool = NewConnectionPool(chatID, h.idleTimeout, func() { h.release(chatID, cs) })
	h.chats[chatID] = cs
	cs.pool.AddGated(conn, admit)

	go func() {
		for msg := range msgs {
			cs.pool.Broadcast(msg.Payload)
			msg.Ack()
		}
	}()
	log.Debug().Str("component", "stream_hub").Str("chat_id", chatID).Msg("chat subscription opened")
	return cs, nil
}

func (h *StreamHub) release(chatID string, cs *chatStream) {
	h.mu.Lock()
	if cur, ok := h.chats[chatID]; !ok || cur != cs || !cs.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.chats, chatID)
	h.mu.Unlock()
	cs.shutdown()
	log.Debug().Str("component", "stream_hub").Str("chat_id", chatID).Msg("chat subscription released")
}

func (cs *chatStream) shutdown() {
	cs.cancel()
	cs.pool.CloseAll()
	if cs.closer != nil {
		_ = cs.closer.Close()
	}
}

// Attach registers a websocket as a watcher of chatID and serves its read
// loop until the peer goes away. admit, when set, is asked once before the
// first relay event is delivered to this watcher.
func (h *StreamHub) Attach(chatID string, conn *websocket.Conn, admit AdmitFunc) error {
	if h == nil {
		return errors.New("stream hub is not initialized")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return errors.New("missing chat_id")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	cs, err := h.join(chatID, conn, admit)
	if err != nil {
		return err
	}

	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("chat_id", chatID).
		Logger()
	wsLog.Info().Msg("ws connected")

	if b, err := json.Marshal(wsFrame{Type: "ws.hello", ChatID: chatID, ServerTime: time.Now().UnixMilli()}); err == nil {
		cs.pool.SendToOne(conn, b)
	}

	go func() {
		defer cs.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage || !isPing(data) {
				continue
			}
			if b, err := json.Marshal(wsFrame{Type: "ws.pong", ChatID: chatID, ServerTime: time.Now().UnixMilli()}); err == nil {
				cs.pool.SendToOne(conn, b)
			}
		}
	}()
	return nil
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ws.ping")
}

// Watchers reports how many websockets watch chatID.
func (h *StreamHub) Watchers(chatID string) int {
	h.mu.Lock()
	cs, ok := h.chats[chatID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return cs.pool.Count()
}

// Run blocks until ctx is done and then closes the hub.
func (h *StreamHub) Run(ctx context.Context) error {
	<-ctx.Done()
	return h.Close()
}

func (h *StreamHub) Close() error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.stop()
		h.mu.Lock()
		chats := h.chats
		h.chats = map[string]*chatStream{}
		h.mu.Unlock()
		for _, cs := range chats {
			cs.shutdown()
		}
		if h.closeFn != nil {
			h.closeErr = h.closeFn()
		}
	})
	return h.closeErr
}
