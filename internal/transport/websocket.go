package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/protocol"
)

// WebSocket 연결 기본값입니다.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024 // 16MB
	DefaultCloseGracePeriod = 5 * time.Second

	// close frame reason 은 최대 123 바이트입니다.
	maxCloseReasonBytes = 123
)

// WebsocketConfig 는 WebsocketTransport 설정입니다.
type WebsocketConfig struct {
	Endpoint         string
	Header           http.Header // 핸드셰이크 시 함께 보낼 헤더 (Authorization 등)
	DialTimeout      time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	CloseGracePeriod time.Duration
	Logger           logging.Logger
}

func (c *WebsocketConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// WebsocketTransport 는 전이중 WebSocket 위에서 Transport 를 구현하는 얇은 래퍼입니다.
// 컨트롤 메시지는 JSON 텍스트 프레임, 청크는 바이너리 프레임으로 보냅니다.
// 재연결은 하지 않으며 끊어진 소켓은 세션 실패로 취급합니다. (ko)
// WebsocketTransport sends control messages as JSON text frames and chunks as
// binary frames. A dropped socket is terminal; there is no reconnection. (en)
type WebsocketTransport struct {
	cfg    WebsocketConfig
	logger logging.Logger

	state atomic.Int32

	mu          sync.Mutex
	conn        *websocket.Conn
	handler     Handler
	closing     bool
	localReason string

	writeMu   sync.Mutex // gorilla/websocket 는 동시 write 를 허용하지 않습니다.
	closeOnce sync.Once
}

var _ Transport = (*WebsocketTransport)(nil)

// NewWebsocketTransport 는 아직 연결되지 않은(Closed) 상태의 전송 계층을 생성합니다.
func NewWebsocketTransport(cfg WebsocketConfig) *WebsocketTransport {
	cfg.defaults()
	t := &WebsocketTransport{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.Fields{"component": "ws_transport", "endpoint": cfg.Endpoint}),
	}
	t.state.Store(int32(Closed))
	return t
}

func (t *WebsocketTransport) ReadyState() ReadyState {
	return ReadyState(t.state.Load())
}

// initialized 는 소켓이 열려 있고 handler 가 연결된 상태인지 확인합니다.
func (t *WebsocketTransport) initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.handler != nil && t.ReadyState() == Open
}

// OpenStream 은 백그라운드에서 소켓을 연결하고, 연결되면 h.OnOpen 을 호출한 뒤 수신 루프를 돌립니다.
func (t *WebsocketTransport) OpenStream(ctx context.Context, h Handler) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	t.state.Store(int32(Connecting))

	go t.run(ctx, h)
}

func (t *WebsocketTransport) run(ctx context.Context, h Handler) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.DialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.Endpoint, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fields := logging.Fields{"error": err.Error()}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		t.logger.Error("websocket dial failed", fields)
		t.state.Store(int32(Closed))
		t.notifyClose(h, fmt.Sprintf("dial %s: %v", t.cfg.Endpoint, err))
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.state.Store(int32(Open))

	t.logger.Info("websocket connected", nil)
	h.OnOpen()
	t.readLoop(conn, h)
}

// readLoop 는 소켓에서 프레임을 읽어 handler 로 넘깁니다.
func (t *WebsocketTransport) readLoop(conn *websocket.Conn, h Handler) {
	defer conn.Close()
	for {
		mt, r, err := conn.NextReader()
		if err != nil {
			t.state.Store(int32(Closed))
			t.notifyClose(h, t.closeReason(err))
			return
		}

		if !t.initialized() {
			t.logger.Warn("tried to parse message when not initialized", nil)
			continue
		}

		switch mt {
		case websocket.TextMessage:
			var msg protocol.Message
			if err := protocol.JSONCodec.Decode(r, &msg); err != nil {
				t.logger.Error("failed to decode message", logging.Fields{"error": err.Error()})
				continue
			}
			if err := msg.Validate(); err != nil {
				t.logger.Error("dropping invalid message", logging.Fields{
					"type":  string(msg.Type),
					"error": err.Error(),
				})
				continue
			}
			h.OnMsg(&msg)
		case websocket.BinaryMessage:
			t.logger.Warn("unexpected binary frame from server", nil)
		}
	}
}

func (t *WebsocketTransport) closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return t.takeLocalReason()
		}
		return fmt.Sprintf("websocket closed with code %d", ce.Code)
	}
	if t.closingLocally() {
		return t.takeLocalReason()
	}
	return err.Error()
}

func (t *WebsocketTransport) takeLocalReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localReason
}

// closingLocally 는 CloseStream 으로 우리가 먼저 닫기 시작했는지 여부입니다.
func (t *WebsocketTransport) closingLocally() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *WebsocketTransport) notifyClose(h Handler, reason string) {
	t.closeOnce.Do(func() {
		t.logger.Info("websocket closed", logging.Fields{"reason": reason})
		h.OnClose(reason)
	})
}

// Send 는 메시지를 JSON 텍스트 프레임으로, 청크를 바이너리 프레임으로 보냅니다.
// 초기화되지 않은 상태에서는 로그만 남기고 아무것도 하지 않습니다.
func (t *WebsocketTransport) Send(f protocol.Frame) error {
	if !t.initialized() {
		t.logger.Error("tried to send when not initialized", logging.Fields{"frame": frameKind(f)})
		return nil
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))

	if msg, ok := protocol.IsMsg(f); ok {
		w, err := conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return fmt.Errorf("websocket send %s: %w", msg.Type, err)
		}
		if err := protocol.JSONCodec.Encode(w, msg); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("websocket send %s: %w", msg.Type, err)
		}
		return nil
	}

	chunk, ok := f.(protocol.Chunk)
	if !ok {
		return fmt.Errorf("websocket send: unsupported frame %T", f)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("websocket send chunk (%d bytes): %w", len(chunk), err)
	}
	return nil
}

// CloseStream 은 errMsg 가 있으면 먼저 전송한 뒤 정상 close frame 을 보냅니다.
// 상대가 close 에 응답하지 않으면 grace period 후 소켓을 강제로 닫습니다.
func (t *WebsocketTransport) CloseStream(errMsg *protocol.Message) {
	if !t.initialized() {
		t.logger.Error("tried to close when not initialized", nil)
		return
	}
	if errMsg != nil {
		if err := t.Send(errMsg); err != nil {
			t.logger.Warn("failed to send error before close", logging.Fields{"error": err.Error()})
		}
	}

	t.mu.Lock()
	conn := t.conn
	t.closing = true
	reason := ""
	if errMsg != nil {
		reason = errMsg.Data.Error
		t.localReason = reason
	}
	t.mu.Unlock()
	t.state.Store(int32(Closing))

	if len(reason) > maxCloseReasonBytes {
		reason = reason[:maxCloseReasonBytes]
	}
	t.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(t.cfg.WriteWait),
	)
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Warn("failed to write close frame", logging.Fields{"error": err.Error()})
		_ = conn.Close()
		return
	}
	time.AfterFunc(t.cfg.CloseGracePeriod, func() { _ = conn.Close() })
}
