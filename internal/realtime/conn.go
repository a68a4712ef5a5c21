package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rentora/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	sendBufSize    = 64
)

// conn wraps a single live WebSocket with read/write pumps.
// Lifecycle: newConn -> start -> [readPump, writePump] -> close.
// onClosed fires exactly once, with the error that ended the read loop.
type conn struct {
	ws   *websocket.Conn
	send chan Frame

	onFrame  func(Frame)
	onClosed func(error)

	done       chan struct{}
	closeOnce  sync.Once
	closedOnce sync.Once
	wg         sync.WaitGroup
}

func newConn(ws *websocket.Conn, onFrame func(Frame), onClosed func(error)) *conn {
	return &conn{
		ws:       ws,
		send:     make(chan Frame, sendBufSize),
		onFrame:  onFrame,
		onClosed: onClosed,
		done:     make(chan struct{}),
	}
}

func (c *conn) start() {
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// enqueue ставит кадр в очередь на отправку; false при переполнении буфера
// или закрытом соединении.
func (c *conn) enqueue(f Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		logger.Errorf("realtime: send buffer full, dropping %s frame", f.Type)
		return false
	}
}

// close останавливает обе помпы. Безопасно вызывать многократно.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) finish(err error) {
	c.closedOnce.Do(func() {
		if c.onClosed != nil {
			c.onClosed(err)
		}
	})
}

// readPump reads frames until the connection dies. Exits on read error
// (remote close, network drop, or local close()).
func (c *conn) readPump() {
	defer c.wg.Done()
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.finish(err)
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("realtime: bad frame: %v", err)
			continue
		}
		logger.Debugf("realtime: recv %s channel=%s", f.Type, f.Channel)
		if c.onFrame != nil {
			c.onFrame(f)
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *conn) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
