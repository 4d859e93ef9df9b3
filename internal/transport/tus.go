package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/observability"
	"github.com/dalbodeule/hop-record/internal/protocol"
)

// tus 1.0.0 업로드 프로토콜 헤더입니다.
const (
	TusVersion = "1.0.0"

	headerTusResumable      = "Tus-Resumable"
	headerUploadOffset      = "Upload-Offset"
	headerUploadLength      = "Upload-Length"
	headerUploadDeferLength = "Upload-Defer-Length"
	headerUploadMetadata    = "Upload-Metadata"
	contentTypeOffsetStream = "application/offset+octet-stream"
)

// 업로드 기본값입니다.
const (
	DefaultTusChunkSize = 10000
	DefaultTusFileType  = "video/webm"
)

// DefaultTusRetryDelays 는 실패한 요청을 다시 시도하기 전 대기 시간 목록입니다.
var DefaultTusRetryDelays = []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second}

// ErrBufferWithoutHeader 는 streamHeader 없이 청크가 들어온 경우의 오류 텍스트입니다.
const ErrBufferWithoutHeader = "got buffer without header"

// TusConfig 는 TusTransport 설정입니다.
type TusConfig struct {
	Endpoint    string // 업로드 생성(POST) URL
	Token       string // Bearer 토큰, 비어 있으면 Authorization 헤더를 보내지 않습니다.
	Filename    string
	Metadata    map[string]string
	ChunkSize   int
	RetryDelays []time.Duration
	HTTPClient  *http.Client
	Logger      logging.Logger

	// Progress 는 PATCH 가 성공할 때마다 서버가 확인한 바이트 수와 지금까지 버퍼에 들어온
	// 전체 바이트 수로 호출됩니다. 업로더 goroutine 에서 호출되므로 블로킹하면 안 됩니다.
	Progress func(sent, total int64)
}

func (c *TusConfig) defaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultTusChunkSize
	}
	if c.RetryDelays == nil {
		c.RetryDelays = DefaultTusRetryDelays
	}
	if c.HTTPClient == nil {
		c.HTTPClient = newHTTPClient()
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// newHTTPClient 는 업로드 요청용 기본 HTTP 클라이언트를 생성합니다.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// TusTransport 는 재개 가능한 HTTP 업로드(tus) 위에서 Transport 를 흉내 내는 어댑터입니다.
// 서버 왕복 없이 컨트롤 메시지에 대한 응답을 로컬에서 합성하고, 청크는 업로드 버퍼에 쌓아
// 백그라운드 업로더가 ChunkSize 단위로 PATCH 합니다. (ko)
// TusTransport emulates the control protocol locally and streams chunk bytes into
// a deferred-length tus upload from a background uploader. (en)
type TusTransport struct {
	cfg    TusConfig
	logger logging.Logger

	state atomic.Int32

	mu        sync.Mutex
	handler   Handler
	header    *protocol.Message // 다음 청크를 기다리는 streamHeader
	uploadURL string
	initing   bool
	closing   bool

	buf       *uploadBuffer
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Transport = (*TusTransport)(nil)

// NewTusTransport 는 아직 업로드가 생성되지 않은(Closed) 상태의 전송 계층을 생성합니다.
func NewTusTransport(cfg TusConfig) *TusTransport {
	cfg.defaults()
	t := &TusTransport{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.Fields{"component": "tus_transport", "endpoint": cfg.Endpoint}),
		buf:    newUploadBuffer(),
	}
	t.state.Store(int32(Closed))
	return t
}

func (t *TusTransport) ReadyState() ReadyState {
	return ReadyState(t.state.Load())
}

// UploadURL 은 생성된 업로드 리소스 URL 입니다. 생성 전에는 빈 문자열입니다.
func (t *TusTransport) UploadURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadURL
}

// OpenStream 은 handler 를 연결하고 즉시 h.OnOpen 을 호출합니다.
// 실제 업로드 리소스는 initReq 를 받으면 협상된 encoding 으로 생성합니다.
func (t *TusTransport) OpenStream(ctx context.Context, h Handler) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.handler = h
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	t.state.Store(int32(Connecting))

	h.OnOpen()
}

// Send 는 컨트롤 메시지를 타입별로 처리하고, 청크는 업로드 버퍼에 추가합니다.
func (t *TusTransport) Send(f protocol.Frame) error {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		t.logger.Error("tried to send when not initialized", logging.Fields{"frame": frameKind(f)})
		return nil
	}

	msg, ok := protocol.IsMsg(f)
	if !ok {
		chunk, isChunk := f.(protocol.Chunk)
		if !isChunk {
			return fmt.Errorf("tus send: unsupported frame %T", f)
		}
		return t.sendChunk(h, chunk)
	}

	switch msg.Type {
	case protocol.MsgTypeInitReq:
		t.handleInit(h, msg)
	case protocol.MsgTypeStreamHeader:
		t.handleStreamHeader(h, msg)
	case protocol.MsgTypeClose:
		t.handleClose(h)
	default:
		t.logger.Warn("dropping message not handled by tus transport", logging.Fields{
			"type": string(msg.Type),
		})
	}
	return nil
}

func (t *TusTransport) handleInit(h Handler, msg *protocol.Message) {
	t.mu.Lock()
	if t.initing || t.uploadURL != "" {
		t.mu.Unlock()
		t.logger.Warn("duplicate initReq ignored", nil)
		return
	}
	t.initing = true
	ctx := t.ctx
	t.mu.Unlock()

	go func() {
		uploadURL, err := t.createUpload(ctx, msg.Data.Encoding)
		if err != nil {
			t.logger.Error("failed to create upload", logging.Fields{"error": err.Error()})
			t.fail(h, err.Error())
			return
		}

		t.mu.Lock()
		t.uploadURL = uploadURL
		t.mu.Unlock()
		t.state.Store(int32(Open))

		t.logger.Info("upload created", logging.Fields{
			logging.FieldDir: logging.DirToBucket,
			"upload_url":     uploadURL,
		})
		go t.uploadLoop(ctx, h, uploadURL)
		h.OnMsg(protocol.NewInitResp(protocol.Connection{URL: uploadURL}))
	}()
}

func (t *TusTransport) handleStreamHeader(h Handler, msg *protocol.Message) {
	id, _ := msg.StreamID()
	t.mu.Lock()
	t.header = msg
	uploadURL := t.uploadURL
	t.mu.Unlock()
	h.OnMsg(protocol.NewStreamHeaderResp(id, uploadURL))
}

func (t *TusTransport) sendChunk(h Handler, chunk protocol.Chunk) error {
	t.mu.Lock()
	header := t.header
	t.header = nil
	uploadURL := t.uploadURL
	t.mu.Unlock()

	if header == nil {
		t.logger.Error(ErrBufferWithoutHeader, logging.Fields{"bytes": len(chunk)})
		t.CloseStream(protocol.NewError(ErrBufferWithoutHeader))
		return nil
	}

	t.buf.append(chunk)
	id, _ := header.StreamID()
	t.logger.Debug("chunk buffered for upload", logging.Fields{
		logging.FieldDir: logging.DirToBucket,
		"id":             id,
		"bytes":          len(chunk),
	})
	h.OnMsg(protocol.NewStreamResp(id, uploadURL))
	return nil
}

// handleClose 는 남은 버퍼를 모두 업로드하고 최종 길이를 선언한 뒤 closeResp 를 돌려줍니다.
func (t *TusTransport) handleClose(h Handler) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		t.logger.Warn("duplicate close ignored", nil)
		return
	}
	t.closing = true
	uploadURL := t.uploadURL
	ctx := t.ctx
	t.mu.Unlock()

	if uploadURL == "" {
		t.fail(h, "close before upload was created")
		return
	}
	t.state.Store(int32(Closing))

	go func() {
		if err := t.buf.finish(ctx); err != nil {
			t.fail(h, err.Error())
			return
		}
		t.state.Store(int32(Closed))
		t.logger.Info("upload finished", logging.Fields{
			logging.FieldDir: logging.DirToBucket,
			"upload_url":     uploadURL,
			"bytes":          t.buf.total(),
		})
		h.OnMsg(protocol.NewCloseResp(protocol.Connection{URL: uploadURL}))
		t.notifyClose(h, "")
		t.cancel()
	}()
}

// CloseStream 은 업로드를 중단합니다. errMsg 가 있으면 그 텍스트가 close reason 이 되고,
// 없으면 중단된 업로드 리소스를 서버에서 삭제합니다.
func (t *TusTransport) CloseStream(errMsg *protocol.Message) {
	t.mu.Lock()
	h := t.handler
	cancel := t.cancel
	uploadURL := t.uploadURL
	t.mu.Unlock()
	if h == nil {
		t.logger.Error("tried to close when not initialized", nil)
		return
	}

	t.state.Store(int32(Closed))
	if cancel != nil {
		cancel()
	}
	t.buf.abort()

	reason := ""
	if errMsg != nil {
		reason = errMsg.Data.Error
	} else if uploadURL != "" {
		go t.terminate(uploadURL)
	}
	t.notifyClose(h, reason)
}

func (t *TusTransport) fail(h Handler, reason string) {
	t.state.Store(int32(Closed))
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.buf.abort()
	t.notifyClose(h, reason)
}

func (t *TusTransport) notifyClose(h Handler, reason string) {
	t.closeOnce.Do(func() {
		t.logger.Info("tus stream closed", logging.Fields{"reason": reason})
		h.OnClose(reason)
	})
}

// uploadLoop 는 버퍼에 쌓인 바이트를 ChunkSize 단위로 PATCH 합니다.
// finish 가 요청되면 남은 바이트와 함께 Upload-Length 를 선언합니다.
func (t *TusTransport) uploadLoop(ctx context.Context, h Handler, uploadURL string) {
	var offset int64
	for {
		data, final, ok := t.buf.next(ctx, t.cfg.ChunkSize)
		if !ok {
			return
		}

		length := int64(-1)
		if final {
			length = offset + int64(len(data))
		}
		newOffset, err := t.patchWithRetry(ctx, uploadURL, offset, data, length)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("upload failed", logging.Fields{
				logging.FieldDir: logging.DirToBucket,
				"offset":         offset,
				"error":          err.Error(),
			})
			t.buf.done(err)
			t.fail(h, fmt.Sprintf("upload failed: %v", err))
			return
		}
		t.buf.consume(int(newOffset - offset))
		offset = newOffset
		t.reportProgress(h, offset)
		if final && newOffset == length {
			t.buf.done(nil)
			return
		}
	}
}

// reportProgress 는 Progress 훅과 ProgressHandler 를 구현한 handler 에 진행 상황을 알립니다.
func (t *TusTransport) reportProgress(h Handler, sent int64) {
	total := t.buf.total()
	if t.cfg.Progress != nil {
		t.cfg.Progress(sent, total)
	}
	if ph, ok := h.(ProgressHandler); ok {
		ph.OnProgress(sent, total)
	}
}

// patchWithRetry 는 실패 시 RetryDelays 만큼 기다린 뒤 HEAD 로 서버 offset 을 맞추고 다시 시도합니다.
func (t *TusTransport) patchWithRetry(ctx context.Context, uploadURL string, offset int64, data []byte, length int64) (int64, error) {
	start := offset
	newOffset, err := t.patch(ctx, uploadURL, offset, data, length)
	for _, delay := range t.cfg.RetryDelays {
		if err == nil {
			return newOffset, nil
		}
		if !retryable(err) {
			return 0, err
		}
		t.logger.Warn("upload request failed, retrying", logging.Fields{
			logging.FieldDir: logging.DirToBucket,
			"offset":         offset,
			"delay":          delay.String(),
			"error":          err.Error(),
		})
		observability.UploadRetriesTotal.WithLabelValues("patch").Inc()
		if serr := sleepCtx(ctx, delay); serr != nil {
			return 0, serr
		}

		serverOffset, herr := t.head(ctx, uploadURL)
		if herr != nil {
			err = herr
			continue
		}
		if serverOffset < start || serverOffset > start+int64(len(data)) {
			return 0, fmt.Errorf("tus: server offset %d outside of pending range [%d,%d]", serverOffset, start, start+int64(len(data)))
		}
		skip := serverOffset - offset
		data = data[skip:]
		offset = serverOffset
		if len(data) == 0 && length < 0 {
			return offset, nil
		}
		newOffset, err = t.patch(ctx, uploadURL, offset, data, length)
	}
	if err != nil {
		return 0, err
	}
	return newOffset, nil
}

// statusError 는 예상하지 못한 HTTP 상태 코드를 나타냅니다.
type statusError struct {
	op     string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tus %s: unexpected status %d", e.op, e.status)
}

// retryable 은 네트워크 오류, 5xx, 409(offset 불일치), 423, 429 만 재시도합니다.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.status >= 500:
			return true
		case se.status == http.StatusConflict, se.status == http.StatusLocked, se.status == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *TusTransport) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerTusResumable, TusVersion)
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	return req, nil
}

// createUpload 는 길이를 유보한(deferred) 업로드 리소스를 만들고 그 URL 을 반환합니다.
func (t *TusTransport) createUpload(ctx context.Context, filetype string) (string, error) {
	if filetype == "" {
		filetype = DefaultTusFileType
	}
	meta := map[string]string{}
	for k, v := range t.cfg.Metadata {
		meta[k] = v
	}
	if t.cfg.Filename != "" {
		meta["filename"] = t.cfg.Filename
	}
	meta["filetype"] = filetype

	var lastErr error
	delays := append([]time.Duration{0}, t.cfg.RetryDelays...)
	for i, delay := range delays {
		if i > 0 {
			observability.UploadRetriesTotal.WithLabelValues("create").Inc()
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return "", err
		}

		req, err := t.newRequest(ctx, http.MethodPost, t.cfg.Endpoint, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set(headerUploadDeferLength, "1")
		req.Header.Set(headerUploadMetadata, EncodeMetadata(meta))

		resp, err := t.cfg.HTTPClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("tus create: %w", err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			lastErr = &statusError{op: "create", status: resp.StatusCode}
			if !retryable(lastErr) {
				return "", lastErr
			}
			continue
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", errors.New("tus create: missing Location header")
		}
		return resolveURL(t.cfg.Endpoint, loc)
	}
	return "", lastErr
}

// patch 는 offset 위치에 data 를 기록합니다. length >= 0 이면 Upload-Length 를 함께 선언합니다.
func (t *TusTransport) patch(ctx context.Context, uploadURL string, offset int64, data []byte, length int64) (int64, error) {
	req, err := t.newRequest(ctx, http.MethodPatch, uploadURL, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentTypeOffsetStream)
	req.Header.Set(headerUploadOffset, strconv.FormatInt(offset, 10))
	if length >= 0 {
		req.Header.Set(headerUploadLength, strconv.FormatInt(length, 10))
	}

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tus patch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, &statusError{op: "patch", status: resp.StatusCode}
	}
	newOffset, err := strconv.ParseInt(resp.Header.Get(headerUploadOffset), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tus patch: invalid %s header: %w", headerUploadOffset, err)
	}
	return newOffset, nil
}

// head 는 서버가 기록한 현재 offset 을 조회합니다.
func (t *TusTransport) head(ctx context.Context, uploadURL string) (int64, error) {
	req, err := t.newRequest(ctx, http.MethodHead, uploadURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		observability.UploadRetriesTotal.WithLabelValues("head").Inc()
		return 0, fmt.Errorf("tus head: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, &statusError{op: "head", status: resp.StatusCode}
	}
	off, err := strconv.ParseInt(resp.Header.Get(headerUploadOffset), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tus head: invalid %s header: %w", headerUploadOffset, err)
	}
	return off, nil
}

// terminate 는 중단된 업로드 리소스를 삭제합니다(best effort).
func (t *TusTransport) terminate(uploadURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := t.newRequest(ctx, http.MethodDelete, uploadURL, nil)
	if err != nil {
		return
	}
	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		t.logger.Warn("failed to terminate upload", logging.Fields{"error": err.Error()})
		return
	}
	_ = resp.Body.Close()
}

// EncodeMetadata 는 Upload-Metadata 헤더 값을 만듭니다. 값은 base64 로 인코딩되며 키 순서는 정렬됩니다.
func EncodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(parts, ",")
}

// DecodeMetadata 는 Upload-Metadata 헤더 값을 파싱합니다.
func DecodeMetadata(header string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(header) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(pair)
		switch len(fields) {
		case 1:
			out[fields[0]] = ""
		case 2:
			v, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, fmt.Errorf("metadata %q: %w", fields[0], err)
			}
			out[fields[0]] = string(v)
		default:
			return nil, fmt.Errorf("malformed metadata pair %q", pair)
		}
	}
	return out, nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// uploadBuffer 는 스트리머가 넘긴 바이트를 업로더가 가져갈 때까지 보관합니다.
// 업로더는 ChunkSize 이상 쌓였거나 finish 가 요청되었을 때만 깨어납니다.
type uploadBuffer struct {
	mu        sync.Mutex
	pending   []byte
	accepted  int64
	finishing bool
	aborted   bool
	notify    chan struct{}
	result    chan error
}

func newUploadBuffer() *uploadBuffer {
	return &uploadBuffer{
		notify: make(chan struct{}, 1),
		result: make(chan error, 1),
	}
}

func (b *uploadBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *uploadBuffer) append(p []byte) {
	b.mu.Lock()
	b.pending = append(b.pending, p...)
	b.accepted += int64(len(p))
	b.mu.Unlock()
	b.signal()
}

func (b *uploadBuffer) total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// next 는 업로드할 다음 조각을 반환합니다. final 이면 마지막 요청입니다.
func (b *uploadBuffer) next(ctx context.Context, size int) (data []byte, final bool, ok bool) {
	for {
		b.mu.Lock()
		if b.aborted {
			b.mu.Unlock()
			return nil, false, false
		}
		n := len(b.pending)
		if n >= size || b.finishing {
			if n > size {
				n = size
			}
			data = append([]byte(nil), b.pending[:n]...)
			final = b.finishing && n == len(b.pending)
			b.mu.Unlock()
			return data, final, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, false
		case <-b.notify:
		}
	}
}

func (b *uploadBuffer) consume(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.pending) {
		n = len(b.pending)
	}
	b.pending = b.pending[n:]
}

func (b *uploadBuffer) done(err error) {
	select {
	case b.result <- err:
	default:
	}
}

// finish 는 업로더가 남은 바이트를 모두 올리고 길이를 선언할 때까지 기다립니다.
func (b *uploadBuffer) finish(ctx context.Context) error {
	b.mu.Lock()
	b.finishing = true
	b.mu.Unlock()
	b.signal()
	select {
	case err := <-b.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *uploadBuffer) abort() {
	b.mu.Lock()
	b.aborted = true
	b.mu.Unlock()
	b.signal()
	b.done(errors.New("upload aborted"))
}
