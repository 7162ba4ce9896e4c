package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"tokenex.com/internal/api/auth"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/safe"
)

type Conn struct {
	id      string
	account common.Address // 握手时认证的账户，匿名为零值

	ws   *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	reason    atomic.Value // string
}

func newConn(h *Hub, ws *websocket.Conn, sendBuf int) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		hub:  h,
		send: make(chan []byte, sendBuf),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Offer 非阻塞入队；队列满说明客户端跟不上，直接断开
func (c *Conn) Offer(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		metrics.WsDropped.Inc()
		c.close("slow_consumer")
		return false
	}
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
}

func (c *Conn) closeReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return "unknown"
}

type Server struct {
	Hub      *Hub
	Upgrader websocket.Upgrader
	ctx      context.Context
	SendBuf  int // per-conn send chan size

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
}

func NewServer(ctx context.Context, h *Hub) *Server {
	return &Server{
		Hub: h,
		ctx: ctx,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		SendBuf:    256,
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  1 << 12,
	}
}

// ServeWS 匿名连接，只能订阅公共 topic
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, common.Address{})
}

// Handle gin 入口，前面挂 auth.Optional；认证过的连接可以订阅自己的 account topic
func (s *Server) Handle(c *gin.Context) {
	account, _ := auth.Account(c)
	s.serve(c.Writer, c.Request, account)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, account common.Address) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写过错误响应
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	c := newConn(s.Hub, wsConn, s.SendBuf)
	c.account = account
	onOpen()
	safe.Go(func() { s.writePump(c) })
	safe.Go(func() { s.readPump(c) })
}

func (s *Server) readPump(c *Conn) {
	defer func() {
		c.hub.RemoveConn(c)
		c.close("read_closed")
	}()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.close("pong_timeout")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(s.ctx, "ws read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		var msg ClientMsg
		if json.Unmarshal(b, &msg) != nil {
			c.reply(ServerMsg{Type: "error", Error: "bad message"})
			continue
		}
		switch msg.Type {
		case "sub":
			subOpsTotal.WithLabelValues("sub").Inc()
			ok, bad, denied := c.hub.Subscribe(c, msg.Topics)
			c.reply(ServerMsg{Type: "ack", Topics: ok})
			if len(bad) > 0 {
				c.reply(ServerMsg{Type: "error", Error: "unknown topics", Topics: bad})
			}
			if len(denied) > 0 {
				c.reply(ServerMsg{Type: "error", Error: "forbidden topics", Topics: denied})
			}
		case "unsub":
			subOpsTotal.WithLabelValues("unsub").Inc()
			c.hub.Unsubscribe(c, msg.Topics)
			c.reply(ServerMsg{Type: "ack", Topics: msg.Topics})
		default:
			c.reply(ServerMsg{Type: "error", Error: "unknown type " + msg.Type})
		}
	}
}

func (c *Conn) reply(m ServerMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.Offer(b)
}

// 单次最多写多少条，防止一次写爆
const maxFlush = 256

func (s *Server) writePump(c *Conn) {
	// 错开各连接的 ping
	if s.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.PingJitter))))
		select {
		case <-t.C:
		case <-c.done:
		case <-s.ctx.Done():
		}
		t.Stop()
	}

	ticker := time.NewTicker(s.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close("write_closed")
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, c.closeReason()), time.Now().Add(time.Second))
		_ = c.ws.Close()
		onClose(c.closeReason())
	}()

	for {
		select {
		case payload := <-c.send:
			if err := s.writeBatch(c, payload); err != nil {
				c.close("write_error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteWait)); err != nil {
				pingErrorsTotal.Inc()
				c.close("ping_error")
				return
			}
		case <-c.done:
			return
		case <-s.ctx.Done():
			c.close("server_shutdown")
			return
		}
	}
}

// writeBatch 把已排队的消息一次 NextWriter 写完，多条之间用换行分隔
func (s *Server) writeBatch(c *Conn, first []byte) (err error) {
	start := time.Now()
	n := 0
	defer func() { observeWrite(n, time.Since(start), err) }()

	_ = c.ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = w.Write(first); err != nil {
		_ = w.Close()
		return err
	}
	n++
	for n < maxFlush {
		select {
		case payload := <-c.send:
			if _, err = w.Write([]byte{'\n'}); err == nil {
				_, err = w.Write(payload)
			}
			if err != nil {
				_ = w.Close()
				return err
			}
			n++
		default:
			return w.Close()
		}
	}
	return w.Close()
}
