package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/media"
	"github.com/dalbodeule/hop-record/internal/observability"
	"github.com/dalbodeule/hop-record/internal/protocol"
	"github.com/dalbodeule/hop-record/internal/transport"
)

// DefaultAckTimeout 은 요청 하나에 대한 응답을 기다리는 기본 시간입니다.
const DefaultAckTimeout = 30 * time.Second

var (
	ErrAlreadyOpen     = errors.New("streamer: already open")
	ErrNotOpen         = errors.New("streamer: not open")
	ErrTransportClosed = errors.New("streamer: transport closed")
	ErrAckTimeout      = errors.New("streamer: acknowledgement timed out")
	ErrPeer            = errors.New("streamer: peer reported error")
	ErrAborted         = errors.New("streamer: aborted")
)

// TransportClosedError 는 세션 도중 전송 계층이 닫힌 경우의 오류입니다.
// Error() 는 전송 계층이 알려준 reason 을 그대로 반환합니다.
type TransportClosedError struct {
	Reason string
}

func (e *TransportClosedError) Error() string { return e.Reason }

func (e *TransportClosedError) Is(target error) bool { return target == ErrTransportClosed }

// State 는 세션 상태입니다. 한 시점에 최대 하나의 응답만 기다립니다.
type State int32

const (
	StateIdle State = iota
	StateAwaitingInit
	StateAwaitingHeaderAck
	StateAwaitingChunkAck
	StateAwaitingCloseAck
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInit:
		return "awaitingInit"
	case StateAwaitingHeaderAck:
		return "awaitingHeaderAck"
	case StateAwaitingChunkAck:
		return "awaitingChunkAck"
	case StateAwaitingCloseAck:
		return "awaitingCloseAck"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool { return s == StateClosed || s == StateFailed }

// Config 는 Streamer 설정입니다.
type Config struct {
	Options media.Options

	// AckTimeout 이 0 이면 응답을 무한정 기다립니다.
	AckTimeout time.Duration

	Logger logging.Logger
}

type eventKind int

const (
	evTransportOpen eventKind = iota
	evTransportClose
	evMsg
	evChunk
	evRecorderStopped
	evCloseRequested
	evAckTimeout
	evProgress
)

type event struct {
	kind   eventKind
	reason string
	msg    *protocol.Message
	data   []byte
	err    error
	abort  bool
	seq    uint64
}

// Streamer 는 녹화기와 전송 계층 사이에서 하나의 녹화 세션을 조율합니다.
// 모든 상태 변경은 이벤트 루프 goroutine 하나에서만 일어나며, 전송 계층 콜백과
// 녹화기 콜백은 mailbox 에 이벤트를 넣기만 합니다. (ko)
// Streamer runs one recording session as a strict request/acknowledge machine:
// callbacks post events to an unbounded mailbox drained by a single loop. (en)
type Streamer struct {
	tr     transport.Transport
	cfg    Config
	logger logging.Logger

	state atomic.Int32

	mu       sync.Mutex
	opened   bool
	events   []event
	conn     *protocol.Connection
	err      error
	notify   chan struct{}
	openRes  chan error
	done     chan struct{}
	captured chan struct{}
	finalURL string
	finalErr error

	recMu          sync.Mutex
	recorder       *media.Recorder
	captureStopped bool
	stopOnce       sync.Once

	// 아래 필드는 이벤트 루프에서만 접근합니다.
	waitingFor     protocol.MsgType
	queue          [][]byte
	nextID         uint64
	initSent       bool
	openSettled    bool
	recorderActive bool
	captureEnded   bool
	closeRequested bool
	closeSent      bool
	sentAt         time.Time
	ackSeq         uint64
	ackTimer       *time.Timer
	cancel         context.CancelFunc
}

// New 는 tr 위에서 동작하는 Streamer 를 생성합니다. 세션은 Open 으로 시작합니다.
func New(tr transport.Transport, cfg Config) *Streamer {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Streamer{
		tr:  tr,
		cfg: cfg,
		logger: cfg.Logger.With(logging.Fields{
			"component": "streamer",
			"session":   uuid.NewString(),
		}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		captured: make(chan struct{}),
	}
}

func (s *Streamer) State() State { return State(s.state.Load()) }

func (s *Streamer) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("state changed", logging.Fields{"from": prev.String(), "to": st.String()})
	}
}

// Connection 은 initResp 로 협상된 연결 정보입니다. 협상 전에는 nil 입니다.
func (s *Streamer) Connection() *protocol.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	c := *s.conn
	return &c
}

// Err 는 세션을 종료시킨 오류입니다. 정상 종료 또는 진행 중이면 nil 입니다.
func (s *Streamer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done 은 세션이 Closed 또는 Failed 가 되면 닫히는 채널입니다.
func (s *Streamer) Done() <-chan struct{} { return s.done }

// CaptureDone 은 녹화기가 멈추고 그때까지 나온 청크가 모두 큐에 들어가면 닫힙니다.
// 소스가 EOF 에 도달한 뒤 Close 를 부르면 마지막 청크까지 전송됩니다.
func (s *Streamer) CaptureDone() <-chan struct{} { return s.captured }

// Open 은 src 에 녹화기를 연결하고 전송 계층을 연 뒤 initResp 를 받을 때까지 기다립니다.
// ctx 는 대기 시간만 제한하며, ctx 가 끝나면 세션을 중단합니다.
func (s *Streamer) Open(ctx context.Context, src media.Source) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	s.openRes = make(chan error, 1)
	s.mu.Unlock()

	s.recMu.Lock()
	s.recorder = media.NewRecorder(src, s.cfg.Options, s.logger)
	s.recMu.Unlock()

	sessCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.waitingFor = protocol.MsgTypeInitResp
	s.setState(StateAwaitingInit)

	go s.run()
	s.tr.OpenStream(sessCtx, handler{s})

	select {
	case err := <-s.openRes:
		return err
	case <-ctx.Done():
		s.post(event{kind: evCloseRequested, abort: true})
		return ctx.Err()
	}
}

// Close 는 녹화를 즉시 멈춘 뒤 세션을 닫습니다.
// abort 가 false 면 남은 청크를 모두 보내고 close 응답을 받은 뒤 연결 URL 을 반환합니다.
// abort 가 true 면 큐를 버리고 전송 계층을 닫으며 빈 문자열을 반환합니다.
// 여러 번 호출해도 close 요청은 한 번만 전송됩니다.
func (s *Streamer) Close(ctx context.Context, abort bool) (string, error) {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if !opened {
		return "", ErrNotOpen
	}

	s.stopRecorder()
	s.post(event{kind: evCloseRequested, abort: abort})

	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.finalURL, s.finalErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stopRecorder 는 녹화기와 소스 정지를 요청하고 바로 돌아옵니다.
// 소스 정지는 별도 goroutine 에서 일어나므로 이벤트 루프와 Close 호출자는 막히지 않고,
// 읽기 루프가 끝나면 evRecorderStopped 가 들어옵니다.
func (s *Streamer) stopRecorder() {
	s.stopOnce.Do(func() {
		s.recMu.Lock()
		s.captureStopped = true
		rec := s.recorder
		s.recMu.Unlock()
		if rec != nil {
			go rec.Stop()
		}
	})
}

// Pause 는 녹화기를 일시 정지합니다. 이미 큐에 들어간 청크는 계속 전송됩니다.
func (s *Streamer) Pause() error {
	rec, err := s.activeRecorder()
	if err != nil {
		return err
	}
	return rec.Pause()
}

func (s *Streamer) Resume() error {
	rec, err := s.activeRecorder()
	if err != nil {
		return err
	}
	return rec.Resume()
}

func (s *Streamer) activeRecorder() (*media.Recorder, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.recorder == nil || s.captureStopped {
		return nil, ErrNotOpen
	}
	return s.recorder, nil
}

func (s *Streamer) startRecorder() error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.captureStopped {
		return nil
	}
	onData := func(b []byte) { s.post(event{kind: evChunk, data: b}) }
	onStop := func(err error) { s.post(event{kind: evRecorderStopped, err: err}) }
	if err := s.recorder.Start(onData, onStop); err != nil {
		return err
	}
	s.recorderActive = true
	return nil
}

// post 는 이벤트를 mailbox 에 넣습니다. 블로킹하지 않습니다.
func (s *Streamer) post(ev event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Streamer) drain() []event {
	for {
		s.mu.Lock()
		evs := s.events
		s.events = nil
		s.mu.Unlock()
		if len(evs) > 0 {
			return evs
		}
		<-s.notify
	}
}

func (s *Streamer) run() {
	defer s.cancel()
	for {
		for _, ev := range s.drain() {
			s.handle(ev)
			s.advance()
			if s.State().terminal() {
				s.disarmAck()
				return
			}
		}
	}
}

func (s *Streamer) handle(ev event) {
	switch ev.kind {
	case evTransportOpen:
		if s.State() != StateAwaitingInit || s.initSent {
			s.logger.Warn("ignoring transport open", logging.Fields{"state": s.State().String()})
			return
		}
		s.initSent = true
		encoding := s.recorder.Options().MimeType
		s.send(protocol.NewInitReq(encoding))
		s.armAck(protocol.MsgTypeInitResp)
	case evTransportClose:
		s.handleTransportClose(ev.reason)
	case evMsg:
		s.handleMsg(ev.msg)
	case evChunk:
		if len(ev.data) == 0 {
			s.logger.Debug("skipping empty chunk", nil)
			return
		}
		s.queue = append(s.queue, ev.data)
	case evRecorderStopped:
		s.recorderActive = false
		if !s.captureEnded {
			s.captureEnded = true
			close(s.captured)
		}
		if ev.err != nil {
			err := fmt.Errorf("recorder: %w", ev.err)
			s.tr.CloseStream(protocol.NewError(err.Error()))
			s.fail(err)
		}
	case evCloseRequested:
		if ev.abort {
			s.abort()
			return
		}
		s.closeRequested = true
	case evAckTimeout:
		if ev.seq != s.ackSeq || s.waitingFor == "" {
			return
		}
		err := fmt.Errorf("%w: no %s within %s", ErrAckTimeout, s.waitingFor, s.cfg.AckTimeout)
		s.tr.CloseStream(protocol.NewError(err.Error()))
		s.fail(err)
	case evProgress:
		s.extendAck()
	}
}

func (s *Streamer) handleMsg(m *protocol.Message) {
	observability.MessagesTotal.WithLabelValues(observability.DirectionReceived, string(m.Type)).Inc()
	s.logger.Debug("received message", logging.Fields{
		logging.FieldDir: logging.DirToClient,
		"msg":            m.String(),
	})

	if m.Type == protocol.MsgTypeError {
		err := fmt.Errorf("%w: %s", ErrPeer, m.Data.Error)
		s.tr.CloseStream(nil)
		s.fail(err)
		return
	}
	if s.waitingFor == "" || m.Type != s.waitingFor {
		s.logger.Warn("ignoring unexpected message", logging.Fields{
			"msg":         m.String(),
			"waiting_for": string(s.waitingFor),
		})
		return
	}
	if m.Type == protocol.MsgTypeStreamHeaderResp || m.Type == protocol.MsgTypeStreamResp {
		if id, _ := m.StreamID(); id != s.nextID-1 {
			s.logger.Warn("ignoring acknowledgement for another chunk", logging.Fields{
				"msg":      m.String(),
				"expected": s.nextID - 1,
			})
			return
		}
	}

	observability.AckLatencySeconds.WithLabelValues(string(m.Type)).Observe(time.Since(s.sentAt).Seconds())
	s.disarmAck()
	s.waitingFor = ""

	switch m.Type {
	case protocol.MsgTypeInitResp:
		s.mu.Lock()
		s.conn = &protocol.Connection{URL: m.Data.URL}
		s.mu.Unlock()
		s.setState(StateIdle)
		if err := s.startRecorder(); err != nil {
			s.tr.CloseStream(protocol.NewError(err.Error()))
			s.fail(fmt.Errorf("start recorder: %w", err))
			return
		}
		s.logger.Info("session opened", logging.Fields{"url": m.Data.URL})
		s.settleOpen(nil)
	case protocol.MsgTypeStreamHeaderResp:
		chunk := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		observability.ChunksTotal.WithLabelValues(observability.SideRecorder).Inc()
		observability.ChunkBytesTotal.WithLabelValues(observability.SideRecorder).Add(float64(len(chunk)))
		s.setState(StateAwaitingChunkAck)
		s.send(protocol.Chunk(chunk))
		s.armAck(protocol.MsgTypeStreamResp)
	case protocol.MsgTypeStreamResp:
		s.setState(StateIdle)
	case protocol.MsgTypeCloseResp:
		url := m.Data.URL
		if conn := s.Connection(); conn != nil && conn.URL != "" {
			url = conn.URL
		}
		s.setState(StateClosed)
		s.logger.Info("session closed", logging.Fields{"url": url, "chunks": s.nextID})
		observability.SessionsTotal.WithLabelValues(observability.SideRecorder, "closed").Inc()
		s.finish(url, nil)
	}
}

func (s *Streamer) handleTransportClose(reason string) {
	st := s.State()
	if st == StateClosed {
		s.logger.Debug("transport closed after session end", nil)
		return
	}
	if st.terminal() {
		return
	}
	if reason == "" {
		if s.waitingFor != "" {
			reason = fmt.Sprintf("closed while waiting for %s", s.waitingFor)
		} else {
			reason = "transport closed"
		}
	}
	s.fail(&TransportClosedError{Reason: reason})
}

// advance 는 상태가 바뀐 뒤 다음에 보낼 요청이 있는지 확인합니다.
func (s *Streamer) advance() {
	if s.State().terminal() || s.waitingFor != "" {
		return
	}
	conn := s.Connection()
	if conn == nil || s.tr.ReadyState() != transport.Open {
		return
	}

	if len(s.queue) > 0 {
		id := s.nextID
		s.nextID++
		s.setState(StateAwaitingHeaderAck)
		s.send(protocol.NewStreamHeader(id, conn.URL))
		s.armAck(protocol.MsgTypeStreamHeaderResp)
		return
	}

	if s.closeRequested && !s.recorderActive && !s.closeSent {
		s.closeSent = true
		s.setState(StateAwaitingCloseAck)
		s.send(protocol.NewCloseReq(*conn))
		s.armAck(protocol.MsgTypeCloseResp)
	}
}

func (s *Streamer) send(f protocol.Frame) {
	if m, ok := protocol.IsMsg(f); ok {
		observability.MessagesTotal.WithLabelValues(observability.DirectionSent, string(m.Type)).Inc()
		s.logger.Debug("sending message", logging.Fields{
			logging.FieldDir: logging.DirToServer,
			"msg":            m.String(),
		})
	} else if c, ok := f.(protocol.Chunk); ok {
		s.logger.Debug("sending chunk", logging.Fields{
			logging.FieldDir: logging.DirToServer,
			"bytes":          len(c),
		})
	}
	if err := s.tr.Send(f); err != nil {
		s.tr.CloseStream(nil)
		s.fail(&TransportClosedError{Reason: err.Error()})
	}
}

func (s *Streamer) armAck(awaiting protocol.MsgType) {
	if s.State().terminal() {
		return
	}
	s.waitingFor = awaiting
	s.sentAt = time.Now()
	s.disarmAck()
	if s.cfg.AckTimeout <= 0 {
		return
	}
	seq := s.ackSeq
	s.ackTimer = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.post(event{kind: evAckTimeout, seq: seq})
	})
}

// extendAck 은 전송 계층이 진행 중임을 알려오면 응답 대기 타이머를 다시 시작합니다.
// sentAt 은 그대로 두므로 응답 지연 측정값은 바뀌지 않습니다.
func (s *Streamer) extendAck() {
	if s.waitingFor == "" || s.cfg.AckTimeout <= 0 || s.State().terminal() {
		return
	}
	s.disarmAck()
	seq := s.ackSeq
	s.ackTimer = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.post(event{kind: evAckTimeout, seq: seq})
	})
}

func (s *Streamer) disarmAck() {
	s.ackSeq++
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
}

func (s *Streamer) abort() {
	if s.State().terminal() {
		return
	}
	s.queue = nil
	s.setState(StateClosed)
	s.logger.Info("session aborted", logging.Fields{"chunks": s.nextID})
	observability.SessionsTotal.WithLabelValues(observability.SideRecorder, "aborted").Inc()

	s.tr.CloseStream(nil)
	s.stopRecorder()

	s.mu.Lock()
	s.err = ErrAborted
	s.mu.Unlock()
	s.settleOpen(ErrAborted)
	s.finish("", nil)
}

func (s *Streamer) fail(err error) {
	if s.State().terminal() {
		return
	}
	s.setState(StateFailed)
	s.logger.Error("session failed", logging.Fields{
		"error":       err.Error(),
		"waiting_for": string(s.waitingFor),
	})
	observability.SessionsTotal.WithLabelValues(observability.SideRecorder, "failed").Inc()

	s.stopRecorder()

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.settleOpen(err)
	s.finish("", err)
}

func (s *Streamer) settleOpen(err error) {
	if s.openSettled {
		return
	}
	s.openSettled = true
	s.openRes <- err
}

func (s *Streamer) finish(url string, err error) {
	s.mu.Lock()
	s.finalURL = url
	s.finalErr = err
	s.mu.Unlock()
	close(s.done)
}

// handler 는 전송 계층 콜백을 mailbox 이벤트로 바꿉니다.
type handler struct{ s *Streamer }

func (h handler) OnOpen() { h.s.post(event{kind: evTransportOpen}) }

func (h handler) OnClose(reason string) {
	h.s.post(event{kind: evTransportClose, reason: reason})
}

func (h handler) OnMsg(msg *protocol.Message) {
	if msg == nil {
		return
	}
	h.s.post(event{kind: evMsg, msg: msg})
}

// OnProgress 는 업로드가 진행 중일 때 응답 대기 타이머를 연장합니다.
func (h handler) OnProgress(sent, total int64) {
	h.s.post(event{kind: evProgress})
}
