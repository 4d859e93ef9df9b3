package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-record/internal/protocol"
)

// fakeTusServer 는 단일 업로드만 다루는 최소한의 tus 서버입니다.
type fakeTusServer struct {
	mu          sync.Mutex
	data        []byte
	length      int64
	meta        map[string]string
	failPatches int
	patches     int
	deleted     bool
}

func (f *fakeTusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get(headerTusResumable) != TusVersion {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	w.Header().Set(headerTusResumable, TusVersion)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/files":
		if r.Header.Get(headerUploadDeferLength) != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		meta, err := DecodeMetadata(r.Header.Get(headerUploadMetadata))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.meta = meta
		f.length = -1
		w.Header().Set("Location", "/files/abc")
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodHead && r.URL.Path == "/files/abc":
		w.Header().Set(headerUploadOffset, strconv.Itoa(len(f.data)))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPatch && r.URL.Path == "/files/abc":
		f.patches++
		if f.failPatches > 0 {
			f.failPatches--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		off, _ := strconv.Atoi(r.Header.Get(headerUploadOffset))
		if off != len(f.data) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.data = append(f.data, body...)
		if l := r.Header.Get(headerUploadLength); l != "" {
			f.length, _ = strconv.ParseInt(l, 10, 64)
		}
		w.Header().Set(headerUploadOffset, strconv.Itoa(len(f.data)))
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete && r.URL.Path == "/files/abc":
		f.deleted = true
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeTusServer) snapshot() ([]byte, int64, map[string]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...), f.length, f.meta, f.deleted
}

func newTusTransport(t *testing.T, fake *fakeTusServer) (*TusTransport, string) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	tr := NewTusTransport(TusConfig{
		Endpoint:    srv.URL + "/files",
		Token:       "secret",
		Filename:    "talk.webm",
		Metadata:    map[string]string{"room": "a"},
		ChunkSize:   4,
		RetryDelays: []time.Duration{0, 0},
	})
	return tr, srv.URL
}

func TestTusFullSession(t *testing.T) {
	fake := &fakeTusServer{}
	tr, base := newTusTransport(t, fake)
	h := newRecordingHandler()

	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)

	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm;codecs=vp9,opus")))
	init := h.waitMsg(t)
	requireMsg(t, init, protocol.MsgTypeInitResp)
	assert.Equal(t, base+"/files/abc", init.Data.URL)
	assert.Equal(t, Open, tr.ReadyState())

	var want []byte
	for i, size := range []int{10, 7} {
		require.NoError(t, tr.Send(protocol.NewStreamHeader(uint64(i), init.Data.URL)))
		hr := h.waitMsg(t)
		requireMsg(t, hr, protocol.MsgTypeStreamHeaderResp)

		chunk := make([]byte, size)
		for j := range chunk {
			chunk[j] = byte(i*16 + j)
		}
		want = append(want, chunk...)
		require.NoError(t, tr.Send(protocol.Chunk(chunk)))
		ack := h.waitMsg(t)
		requireMsg(t, ack, protocol.MsgTypeStreamResp)
		id, _ := ack.StreamID()
		assert.Equal(t, uint64(i), id)
	}

	require.NoError(t, tr.Send(protocol.NewCloseReq(protocol.Connection{URL: init.Data.URL})))
	done := h.waitMsg(t)
	requireMsg(t, done, protocol.MsgTypeCloseResp)
	assert.Equal(t, init.Data.URL, done.Data.URL)
	assert.Equal(t, "", h.waitClose(t))
	assert.Equal(t, Closed, tr.ReadyState())

	data, length, meta, _ := fake.snapshot()
	assert.Equal(t, want, data)
	assert.Equal(t, int64(len(want)), length)
	assert.Equal(t, "talk.webm", meta["filename"])
	assert.Equal(t, "video/webm;codecs=vp9,opus", meta["filetype"])
	assert.Equal(t, "a", meta["room"])
}

func TestTusChunkWithoutHeaderClosesStream(t *testing.T) {
	fake := &fakeTusServer{}
	tr, _ := newTusTransport(t, fake)
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)

	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))
	requireMsg(t, h.waitMsg(t), protocol.MsgTypeInitResp)

	require.NoError(t, tr.Send(protocol.Chunk("orphan")))
	assert.Equal(t, ErrBufferWithoutHeader, h.waitClose(t))
	assert.Equal(t, Closed, tr.ReadyState())
}

func TestTusRetriesFailedPatch(t *testing.T) {
	fake := &fakeTusServer{failPatches: 1}
	tr, _ := newTusTransport(t, fake)
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)

	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))
	init := h.waitMsg(t)
	require.NoError(t, tr.Send(protocol.NewStreamHeader(0, init.Data.URL)))
	h.waitMsg(t)
	require.NoError(t, tr.Send(protocol.Chunk("abcdefgh")))
	h.waitMsg(t)
	require.NoError(t, tr.Send(protocol.NewCloseReq(protocol.Connection{URL: init.Data.URL})))
	requireMsg(t, h.waitMsg(t), protocol.MsgTypeCloseResp)

	data, length, _, _ := fake.snapshot()
	assert.Equal(t, []byte("abcdefgh"), data)
	assert.Equal(t, int64(8), length)
}

func TestTusAbortTerminatesUpload(t *testing.T) {
	fake := &fakeTusServer{}
	tr, _ := newTusTransport(t, fake)
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)

	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))
	requireMsg(t, h.waitMsg(t), protocol.MsgTypeInitResp)

	tr.CloseStream(nil)
	assert.Equal(t, "", h.waitClose(t))
	assert.Eventually(t, func() bool {
		_, _, _, deleted := fake.snapshot()
		return deleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTusCreateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tr := NewTusTransport(TusConfig{Endpoint: srv.URL + "/files", RetryDelays: []time.Duration{0}})
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)
	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))

	assert.Contains(t, h.waitClose(t), "401")
	assert.Equal(t, Closed, tr.ReadyState())
}

func TestTusSendBeforeOpenIsNoop(t *testing.T) {
	tr := NewTusTransport(TusConfig{Endpoint: "http://127.0.0.1:1/files"})
	assert.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))
	assert.Equal(t, Closed, tr.ReadyState())
}

func TestMetadataEncoding(t *testing.T) {
	enc := EncodeMetadata(map[string]string{"filename": "a.webm", "filetype": "video/webm"})
	assert.Equal(t, "filename YS53ZWJt,filetype dmlkZW8vd2VibQ==", enc)

	dec, err := DecodeMetadata(enc + ",flag")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"filename": "a.webm", "filetype": "video/webm", "flag": ""}, dec)

	_, err = DecodeMetadata("key !!!")
	assert.Error(t, err)
}

func TestTusReportsUploadProgress(t *testing.T) {
	fake := &fakeTusServer{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	var mu sync.Mutex
	var sent, totals []int64
	tr := NewTusTransport(TusConfig{
		Endpoint:    srv.URL + "/files",
		ChunkSize:   4,
		RetryDelays: []time.Duration{0},
		Progress: func(s, total int64) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, s)
			totals = append(totals, total)
		},
	})
	h := newRecordingHandler()
	tr.OpenStream(t.Context(), h)
	h.waitOpen(t)

	require.NoError(t, tr.Send(protocol.NewInitReq("video/webm")))
	init := h.waitMsg(t)
	require.NoError(t, tr.Send(protocol.NewStreamHeader(0, init.Data.URL)))
	h.waitMsg(t)
	require.NoError(t, tr.Send(protocol.Chunk("0123456789")))
	h.waitMsg(t)
	require.NoError(t, tr.Send(protocol.NewCloseReq(protocol.Connection{URL: init.Data.URL})))
	requireMsg(t, h.waitMsg(t), protocol.MsgTypeCloseResp)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, sent)
	for i := 1; i < len(sent); i++ {
		assert.Greater(t, sent[i], sent[i-1])
	}
	assert.Equal(t, int64(10), sent[len(sent)-1])
	assert.Equal(t, int64(10), totals[len(totals)-1])
}
