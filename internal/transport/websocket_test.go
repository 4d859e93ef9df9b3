package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-record/internal/protocol"
)

var testUpgrader = websocket.Upgrader{}

// newWSServer 는 업그레이드된 연결을 serve 에 넘기는 테스트 서버를 띄웁니다.
func newWSServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	mt, r, err := conn.NextReader()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var msg protocol.Message
	require.NoError(t, protocol.JSONCodec.Decode(r, &msg))
	return &msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	w, err := conn.NextWriter(websocket.TextMessage)
	require.NoError(t, err)
	require.NoError(t, protocol.JSONCodec.Encode(w, msg))
	require.NoError(t, w.Close())
}

func TestWebsocketRoundTrip(t *testing.T) {
	gotChunk := make(chan []byte, 1)
	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		init := readJSON(t, conn)
		assert.Equal(t, protocol.MsgTypeInitReq, init.Type)
		writeJSON(t, conn, protocol.NewInitResp(protocol.Connection{URL: "http://sink/recordings/1"}))

		hdr := readJSON(t, conn)
		id, _ := hdr.StreamID()
		writeJSON(t, conn, protocol.NewStreamHeaderResp(id, hdr.Data.URL))

		mt, data, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, websocket.BinaryMessage, mt)
		gotChunk <- data
		writeJSON(t, conn, protocol.NewStreamResp(id, hdr.Data.URL))

		// close frame 을 받을 때까지 읽습니다. gorilla 기본 핸들러가 close 로 응답합니다.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})

	tr := NewWebsocketTransport(WebsocketConfig{Endpoint: endpoint})
	assert.Equal(t, Closed, tr.ReadyState())

	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)
	assert.Equal(t, Open, tr.ReadyState())

	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))
	requireMsg(t, h.waitMsg(t), protocol.MsgTypeInitResp)

	require.NoError(t, tr.Send(protocol.NewStreamHeader(0, "http://sink/recordings/1")))
	requireMsg(t, h.waitMsg(t), protocol.MsgTypeStreamHeaderResp)

	require.NoError(t, tr.Send(protocol.Chunk("0123456789")))
	resp := h.waitMsg(t)
	requireMsg(t, resp, protocol.MsgTypeStreamResp)
	id, ok := resp.StreamID()
	assert.True(t, ok)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, []byte("0123456789"), <-gotChunk)

	tr.CloseStream(nil)
	assert.Equal(t, "", h.waitClose(t))
	assert.Equal(t, Closed, tr.ReadyState())
}

func TestWebsocketSendBeforeOpenIsNoop(t *testing.T) {
	tr := NewWebsocketTransport(WebsocketConfig{Endpoint: "ws://127.0.0.1:1/stream"})
	assert.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))
	assert.NoError(t, tr.Send(protocol.Chunk("abc")))
	tr.CloseStream(protocol.NewError("nope"))
	assert.Equal(t, Closed, tr.ReadyState())
}

func TestWebsocketServerCloseReason(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		_ = readJSON(t, conn)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording rejected"),
			time.Now().Add(time.Second))
		_, _, _ = conn.NextReader()
	})

	tr := NewWebsocketTransport(WebsocketConfig{Endpoint: endpoint})
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)
	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))

	assert.Equal(t, "recording rejected", h.waitClose(t))
	assert.Equal(t, Closed, tr.ReadyState())
}

func TestWebsocketAbruptDisconnect(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		_ = readJSON(t, conn)
		_ = conn.UnderlyingConn().Close()
	})

	tr := NewWebsocketTransport(WebsocketConfig{Endpoint: endpoint})
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)
	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))

	assert.NotEmpty(t, h.waitClose(t), "an abrupt disconnect is reported with a reason")
}

func TestWebsocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	tr := NewWebsocketTransport(WebsocketConfig{Endpoint: endpoint, DialTimeout: time.Second})
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)

	reason := h.waitClose(t)
	assert.Contains(t, reason, "dial")
	assert.Equal(t, Closed, tr.ReadyState())
	assert.Empty(t, h.opened)
}

func TestWebsocketDropsInvalidMessages(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		_ = readJSON(t, conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"streamResp","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		writeJSON(t, conn, protocol.NewInitResp(protocol.Connection{URL: "http://sink/recordings/2"}))
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})

	tr := NewWebsocketTransport(WebsocketConfig{Endpoint: endpoint})
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)
	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))

	m := h.waitMsg(t)
	requireMsg(t, m, protocol.MsgTypeInitResp)
	assert.Equal(t, "http://sink/recordings/2", m.Data.URL)
	assert.Empty(t, h.msgs)

	tr.CloseStream(nil)
	h.waitClose(t)
}

func TestWebsocketCloseStreamSendsErrorFirst(t *testing.T) {
	got := make(chan *protocol.Message, 1)
	closeText := make(chan string, 1)
	endpoint := newWSServer(t, func(conn *websocket.Conn) {
		got <- readJSON(t, conn)
		_, _, err := conn.NextReader()
		if ce, ok := err.(*websocket.CloseError); ok {
			closeText <- ce.Text
		}
	})

	tr := NewWebsocketTransport(WebsocketConfig{Endpoint: endpoint})
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)

	tr.CloseStream(protocol.NewError("encoder crashed"))
	m := <-got
	requireMsg(t, m, protocol.MsgTypeError)
	assert.Equal(t, "encoder crashed", m.Data.Error)
	assert.Equal(t, "encoder crashed", <-closeText)
	assert.Equal(t, "encoder crashed", h.waitClose(t))
}
