package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dalbodeule/hop-record/internal/logging"
)

// Source 는 녹화 입력(카메라, 화면, 파일, 파이프 등)을 추상화합니다. (ko)
// Source is a capture feed; Stop releases its tracks and unblocks pending reads. (en)
type Source interface {
	io.Reader
	Stop() error
}

// readerSourceBufSize 는 ReaderSource 가 한 번에 읽는 최대 바이트 수입니다.
const readerSourceBufSize = 32 * 1024

// ReaderSource 는 임의의 io.ReadCloser 를 Source 로 감쌉니다.
// 읽기는 별도 goroutine 에서 일어나므로, Close 로 풀리지 않는 입력(stdin 등)이라도
// Stop 하면 대기 중인 Read 가 즉시 EOF 로 끝납니다.
type ReaderSource struct {
	rc io.ReadCloser

	pumpOnce sync.Once
	ch       chan []byte
	readErr  error // pump 가 ch 를 닫기 전에 기록합니다.
	rest     []byte

	stop     chan struct{}
	stopOnce sync.Once
	closeErr error
}

func NewReaderSource(rc io.ReadCloser) *ReaderSource {
	return &ReaderSource{
		rc:   rc,
		ch:   make(chan []byte, 1),
		stop: make(chan struct{}),
	}
}

func (s *ReaderSource) pump() {
	defer close(s.ch)
	for {
		buf := make([]byte, readerSourceBufSize)
		n, err := s.rc.Read(buf)
		if n > 0 {
			select {
			case s.ch <- buf[:n]:
			case <-s.stop:
				s.readErr = io.EOF
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

func (s *ReaderSource) Read(p []byte) (int, error) {
	s.pumpOnce.Do(func() { go s.pump() })
	if len(s.rest) == 0 {
		select {
		case b, ok := <-s.ch:
			if !ok {
				return 0, s.readErr
			}
			s.rest = b
		case <-s.stop:
			return 0, io.EOF
		}
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

// Stop 은 여러 번 호출해도 한 번만 닫습니다.
func (s *ReaderSource) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}

// Chunker 는 이미 타임슬라이스 단위로 나뉜 데이터를 내보내는 소스가 구현합니다.
// Recorder 는 Chunker 를 구현한 소스의 청크 경계를 그대로 유지합니다.
type Chunker interface {
	NextChunk() ([]byte, error)
}

// ChanSource 는 채널로 들어오는 인코더 출력 버퍼를 경계 그대로 내보내는 소스입니다.
// 채널이 닫히거나 Stop 되면 EOF 로 끝납니다.
type ChanSource struct {
	ch   <-chan []byte
	stop chan struct{}
	once sync.Once
	rest []byte
}

func NewChanSource(ch <-chan []byte) *ChanSource {
	return &ChanSource{ch: ch, stop: make(chan struct{})}
}

func (s *ChanSource) NextChunk() ([]byte, error) {
	select {
	case <-s.stop:
		return nil, io.EOF
	default:
	}
	select {
	case b, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-s.stop:
		return nil, io.EOF
	}
}

func (s *ChanSource) Read(p []byte) (int, error) {
	if len(s.rest) == 0 {
		b, err := s.NextChunk()
		if err != nil {
			return 0, err
		}
		s.rest = b
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

func (s *ChanSource) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// State 는 녹화기 상태입니다.
type State int

const (
	StateInactive State = iota
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	default:
		return "inactive"
	}
}

var (
	ErrAlreadyStarted = errors.New("media: recorder already started")
	ErrNotRecording   = errors.New("media: recorder is not recording")
	ErrNotPaused      = errors.New("media: recorder is not paused")
)

// Recorder 는 Source 에서 청크 단위로 데이터를 읽어 onData 콜백으로 전달합니다. (ko)
// Recorder slices a Source into chunks and hands each one to a callback. (en)
type Recorder struct {
	src    Source
	opts   Options
	logger logging.Logger

	mu      sync.Mutex
	state   State
	started bool
	resume  chan struct{} // 일시 정지 중일 때만 non-nil
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRecorder 는 src 에 연결된 녹화기를 생성합니다. 시작은 Start 로 합니다.
func NewRecorder(src Source, opts Options, logger logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Recorder{
		src:    src,
		opts:   opts.withDefaults(),
		logger: logger.With(logging.Fields{"component": "recorder"}),
	}
}

// Options 는 기본값이 채워진 녹화 설정을 반환합니다.
func (r *Recorder) Options() Options { return r.opts }

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start 는 읽기 루프를 시작합니다. 청크마다 onData 가, 종료 시 onStop 이 한 번 호출됩니다.
// onStop 의 err 는 소스 읽기 실패일 때만 nil 이 아닙니다. EOF 와 Stop 은 정상 종료입니다.
func (r *Recorder) Start(onData func([]byte), onStop func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.started = true
	r.state = StateRecording
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, onData, onStop)
	return nil
}

func (r *Recorder) loop(ctx context.Context, onData func([]byte), onStop func(error)) {
	defer close(r.done)

	size := r.opts.chunkBytes()
	var limiter *rate.Limiter
	if r.opts.Realtime {
		limiter = rate.NewLimiter(rate.Limit(r.opts.BytesPerSecond()), size)
	}

	r.logger.Debug("recorder started", logging.Fields{
		"chunk_bytes": size,
		"mime_type":   r.opts.MimeType,
		"realtime":    r.opts.Realtime,
	})

	next := r.readFull(size)
	if c, ok := r.src.(Chunker); ok {
		next = c.NextChunk
	}

	var loopErr error
	for {
		if r.waitResumed(ctx) != nil {
			break
		}
		chunk, err := next()
		// Stop 직전에 다 읽은 청크도 버리지 않고 전달합니다.
		if n := len(chunk); n > 0 {
			if limiter != nil && ctx.Err() == nil {
				_ = limiter.WaitN(ctx, min(n, size))
			}
			_ = r.waitResumed(ctx)
			onData(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				loopErr = fmt.Errorf("read source: %w", err)
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	r.mu.Lock()
	r.state = StateInactive
	r.mu.Unlock()

	r.logger.Debug("recorder stopped", logging.Fields{"error": errString(loopErr)})
	if onStop != nil {
		onStop(loopErr)
	}
}

// readFull 은 소스에서 size 바이트씩 읽어 새 버퍼로 돌려주는 함수를 만듭니다.
func (r *Recorder) readFull(size int) func() ([]byte, error) {
	buf := make([]byte, size)
	return func() ([]byte, error) {
		n, err := io.ReadFull(r.src, buf)
		if n == 0 {
			return nil, err
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		return chunk, err
	}
}

// Stop 은 소스 트랙을 정지합니다. 읽기 루프가 끝나길 기다리지 않으므로 막히지 않습니다.
// 이미 읽은 마지막 청크는 onData 로 전달된 뒤 onStop 이 호출됩니다.
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	if r.resume != nil {
		close(r.resume)
		r.resume = nil
	}
	r.state = StateInactive
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := r.src.Stop(); err != nil {
		r.logger.Warn("failed to stop source", logging.Fields{"error": err.Error()})
	}
}

// Wait 는 읽기 루프가 끝나거나 ctx 가 끝날 때까지 기다립니다.
func (r *Recorder) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause 는 새 청크를 만들지 않도록 읽기를 멈춥니다. 진행 중이던 읽기의 결과는 Resume 뒤에 전달됩니다.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return ErrNotRecording
	}
	r.resume = make(chan struct{})
	r.state = StatePaused
	r.logger.Debug("recorder paused", nil)
	return nil
}

func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return ErrNotPaused
	}
	close(r.resume)
	r.resume = nil
	r.state = StateRecording
	r.logger.Debug("recorder resumed", nil)
	return nil
}

func (r *Recorder) waitResumed(ctx context.Context) error {
	r.mu.Lock()
	ch := r.resume
	r.mu.Unlock()
	if ch == nil {
		return ctx.Err()
	}
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
