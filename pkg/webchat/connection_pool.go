package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const defaultWriteTimeout = 10 * time.Second

// wsConn is the part of *websocket.Conn the pool uses.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// AdmitFunc decides, when the first broadcast reaches a connection, whether
// that connection may keep watching.
type AdmitFunc func() bool

// ConnectionPool manages the websocket connections watching one chat.
// It centralizes broadcasting, error handling, and idle detection so the
// hub stays small.
type ConnectionPool struct {
	chatID       string
	mu           sync.Mutex
	conns        map[wsConn]AdmitFunc
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	writeTimeout time.Duration
	onIdle       func()
}

func NewConnectionPool(chatID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		chatID:       chatID,
		conns:        map[wsConn]AdmitFunc{},
		idleTimeout:  idleTimeout,
		writeTimeout: defaultWriteTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	cp.AddGated(conn, nil)
}

// AddGated adds a connection whose admission is checked on the first
// broadcast instead of up front. A nil admit admits immediately.
func (cp *ConnectionPool) AddGated(conn wsConn, admit AdmitFunc) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = admit
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = closeConn(conn)
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn, admit := range cp.conns {
		if admit != nil {
			if !admit() {
				log.Warn().Str("component", "webchat").Str("chat_id", cp.chatID).Msg("watcher not allowed on chat, dropping connection")
				delete(cp.conns, conn)
				_ = closeConn(conn)
				continue
			}
			cp.conns[conn] = nil
		}
		if err := cp.writeLocked(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("chat_id", cp.chatID).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = closeConn(conn)
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := cp.writeLocked(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("chat_id", cp.chatID).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = closeConn(conn)
		cp.scheduleIdleTimerLocked()
	}
}

func (cp *ConnectionPool) writeLocked(conn wsConn, data []byte) error {
	if cp.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	if cp.idleTimer != nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
