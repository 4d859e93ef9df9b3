package sink

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-record/internal/media"
	"github.com/dalbodeule/hop-record/internal/observability"
	"github.com/dalbodeule/hop-record/internal/protocol"
	"github.com/dalbodeule/hop-record/internal/store"
	"github.com/dalbodeule/hop-record/internal/streamer"
	"github.com/dalbodeule/hop-record/internal/transport"
)

type testSink struct {
	srv     *Server
	http    *httptest.Server
	store   *store.Store
	dataDir string
}

func newTestSink(t *testing.T, token string) *testSink {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(t.Context(), nil, store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(dir, "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dataDir := filepath.Join(dir, "data")
	srv, err := New(Config{DataDir: dataDir, Token: token}, st, nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	srv.cfg.PublicURL = hs.URL
	return &testSink{srv: srv, http: hs, store: st, dataDir: dataDir}
}

func (ts *testSink) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/stream"
}

func chunkSource(sizes ...int) (*media.ChanSource, []byte) {
	ch := make(chan []byte, len(sizes))
	var all []byte
	for i, n := range sizes {
		b := make([]byte, n)
		for j := range b {
			b[j] = byte(i + j)
		}
		all = append(all, b...)
		ch <- b
	}
	close(ch)
	return media.NewChanSource(ch), all
}

func sentChunks() float64 {
	return testutil.ToFloat64(observability.ChunksTotal.WithLabelValues(observability.SideRecorder))
}

// waitChunksSent 는 레코더 쪽에서 n 개의 청크를 더 보낼 때까지 기다립니다.
func waitChunksSent(t *testing.T, before float64, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sentChunks()-before >= float64(n) }, 5*time.Second, 5*time.Millisecond)
}

func TestWebsocketSessionEndToEnd(t *testing.T) {
	ts := newTestSink(t, "")
	src, want := chunkSource(10, 20, 30)
	before := sentChunks()

	tr := transport.NewWebsocketTransport(transport.WebsocketConfig{Endpoint: ts.wsURL()})
	s := streamer.New(tr, streamer.Config{
		Options:    media.Options{MimeType: "video/webm;codecs=vp9,opus"},
		AckTimeout: 2 * time.Second,
	})
	require.NoError(t, s.Open(t.Context(), src))
	waitChunksSent(t, before, 3)
	require.Eventually(t, func() bool { return s.State() == streamer.StateIdle }, 2*time.Second, 5*time.Millisecond)

	url, err := s.Close(t.Context(), false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, ts.http.URL+"/recordings/"), url)
	id := strings.TrimPrefix(url, ts.http.URL+"/recordings/")

	rec, err := ts.store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(60), rec.Size)
	assert.Equal(t, 3, rec.Chunks)
	assert.Equal(t, "video/webm;codecs=vp9,opus", rec.Encoding)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/webm", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, want, body)

	f, err := os.Open(filepath.Join(ts.dataDir, id+JournalExt))
	require.NoError(t, err)
	defer f.Close()
	var types []string
	require.NoError(t, ReadJournal(f, func(m *protocol.Message) error {
		types = append(types, m.String())
		return nil
	}))
	assert.Equal(t, []string{
		"initReq", "initResp",
		"streamHeader(id=0)", "streamHeaderResp(id=0)", "streamResp(id=0)",
		"streamHeader(id=1)", "streamHeaderResp(id=1)", "streamResp(id=1)",
		"streamHeader(id=2)", "streamHeaderResp(id=2)", "streamResp(id=2)",
		"close", "closeResp",
	}, types)
}

func TestTusSessionEndToEnd(t *testing.T) {
	ts := newTestSink(t, "secret")
	src, want := chunkSource(7, 13)
	before := sentChunks()

	tr := transport.NewTusTransport(transport.TusConfig{
		Endpoint:    ts.http.URL + "/files",
		Token:       "secret",
		Filename:    "demo.webm",
		ChunkSize:   5,
		RetryDelays: []time.Duration{0},
	})
	s := streamer.New(tr, streamer.Config{
		Options:    media.Options{MimeType: "video/webm"},
		AckTimeout: 2 * time.Second,
	})
	require.NoError(t, s.Open(t.Context(), src))
	waitChunksSent(t, before, 2)
	require.Eventually(t, func() bool { return s.State() == streamer.StateIdle }, 2*time.Second, 5*time.Millisecond)

	url, err := s.Close(t.Context(), false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, ts.http.URL+"/files/"), url)
	id := strings.TrimPrefix(url, ts.http.URL+"/files/")

	rec, err := ts.store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "demo.webm", rec.Name)
	assert.Equal(t, int64(len(want)), rec.Size)

	data, err := os.ReadFile(filepath.Join(ts.dataDir, id+".webm"))
	require.NoError(t, err)
	assert.Equal(t, want, data)

	// 세션이 돌려준 URL 은 인증 없이 바로 내려받을 수 있습니다.
	assert.Equal(t, want, fetch(t, url))
	assert.Equal(t, want, fetch(t, rec.URL))
}

func fetch(t *testing.T, url string) []byte {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, url)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func dialRaw(t *testing.T, ts *testSink) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readMsg(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(b, &msg))
	return &msg
}

func TestSinkRejectsChunkWithoutHeader(t *testing.T) {
	ts := newTestSink(t, "")
	conn := dialRaw(t, ts)

	writeMsg(t, conn, protocol.NewInitReq("video/webm"))
	assert.Equal(t, protocol.MsgTypeInitResp, readMsg(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("orphan")))
	m := readMsg(t, conn)
	assert.Equal(t, protocol.MsgTypeError, m.Type)
	assert.Equal(t, "got buffer without header", m.Data.Error)

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "got buffer without header", ce.Text)
}

func TestSinkRejectsOutOfOrderHeader(t *testing.T) {
	ts := newTestSink(t, "")
	conn := dialRaw(t, ts)

	writeMsg(t, conn, protocol.NewInitReq("video/webm"))
	init := readMsg(t, conn)
	writeMsg(t, conn, protocol.NewStreamHeader(3, init.Data.URL))
	m := readMsg(t, conn)
	assert.Equal(t, protocol.MsgTypeError, m.Type)
	assert.Contains(t, m.Data.Error, "unexpected chunk id 3")
}

func TestSinkIgnoresUnknownMessages(t *testing.T) {
	ts := newTestSink(t, "")
	conn := dialRaw(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","data":{}}`)))
	writeMsg(t, conn, protocol.NewInitReq("video/webm"))
	assert.Equal(t, protocol.MsgTypeInitResp, readMsg(t, conn).Type)
}

func TestSinkAuth(t *testing.T) {
	ts := newTestSink(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL()+"?token=secret", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/files", nil)
	require.NoError(t, err)
	req.Header.Set("Tus-Resumable", transport.TusVersion)
	req.Header.Set("Upload-Defer-Length", "1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTusEndpointOffsetChecks(t *testing.T) {
	ts := newTestSink(t, "")

	do := func(method, target string, body string, headers map[string]string) *http.Response {
		if !strings.HasPrefix(target, "http") {
			target = ts.http.URL + target
		}
		req, err := http.NewRequest(method, target, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Tus-Resumable", transport.TusVersion)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	resp := do(http.MethodOptions, "/files", "", nil)
	assert.Less(t, resp.StatusCode, 300)
	assert.Contains(t, resp.Header.Get("Tus-Extension"), "creation-defer-length")
	assert.Contains(t, resp.Header.Get("Tus-Extension"), "termination")

	resp = do(http.MethodPost, "/files", "", map[string]string{"Upload-Length": "6"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loc := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(loc, ts.http.URL+"/files/"), loc)
	id := strings.TrimPrefix(loc, ts.http.URL+"/files/")

	patch := map[string]string{"Content-Type": "application/offset+octet-stream", "Upload-Offset": "3"}
	resp = do(http.MethodPatch, loc, "abc", patch)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	patch["Upload-Offset"] = "0"
	resp = do(http.MethodPatch, loc, "abc", patch)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("Upload-Offset"))

	resp = do(http.MethodHead, loc, "", nil)
	assert.Equal(t, "3", resp.Header.Get("Upload-Offset"))
	assert.Equal(t, "6", resp.Header.Get("Upload-Length"))

	_, err := ts.store.Get(t.Context(), id)
	assert.ErrorIs(t, err, store.ErrNotFound, "unfinished uploads are not cataloged")

	patch["Upload-Offset"] = "3"
	resp = do(http.MethodPatch, loc, "def", patch)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "6", resp.Header.Get("Upload-Offset"))

	rec, err := ts.store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Size)
	assert.Equal(t, 2, rec.Chunks)
	assert.Equal(t, []byte("abcdef"), fetch(t, loc))
	assert.Equal(t, []byte("abcdef"), fetch(t, rec.URL))

	resp = do(http.MethodPost, "/files", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/files", nil)
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = raw.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, raw.StatusCode)
}

func TestTusTerminatedUploadIsNotCataloged(t *testing.T) {
	ts := newTestSink(t, "secret")
	headers := func(req *http.Request) {
		req.Header.Set("Tus-Resumable", transport.TusVersion)
		req.Header.Set("Authorization", "Bearer secret")
	}

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/files", nil)
	require.NoError(t, err)
	headers(req)
	req.Header.Set("Upload-Defer-Length", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loc := resp.Header.Get("Location")

	req, err = http.NewRequest(http.MethodDelete, loc, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "termination needs the token")

	headers(req)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	get, err := http.Get(loc)
	require.NoError(t, err)
	_ = get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)

	recs, err := ts.store.List(t.Context(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecordingListAndMissing(t *testing.T) {
	ts := newTestSink(t, "")
	require.NoError(t, ts.store.Put(t.Context(), store.Recording{ID: "r1", URL: ts.http.URL + "/recordings/r1", Size: 3}))

	resp, err := http.Get(ts.http.URL + "/recordings")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0]["id"])

	missing, err := http.Get(ts.http.URL + "/recordings/nope")
	require.NoError(t, err)
	_ = missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	metrics, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	_ = metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s"+JournalExt)
	j, err := CreateJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(protocol.NewInitReq("video/webm")))
	require.NoError(t, j.Append(protocol.NewStreamHeader(0, "u")))
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var got []*protocol.Message
	require.NoError(t, ReadJournal(f, func(m *protocol.Message) error {
		got = append(got, m)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "video/webm", got[0].Data.Encoding)
	id, ok := got[1].StreamID()
	assert.True(t, ok)
	assert.Zero(t, id)
}
