package transport

import (
	"context"

	"github.com/dalbodeule/hop-record/internal/protocol"
)

// ReadyState 는 전송 계층 연결 상태입니다. 값의 순서가 곧 생명주기 순서이며 Closed 가 종료 상태입니다. (ko)
// ReadyState mirrors a socket's connection state; Closed is terminal. (en)
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler 는 전송 계층 이벤트를 받는 쪽(Streamer)입니다.
// 구현체는 Send 도중 동기적으로 호출될 수 있으므로 내부에서 블로킹하면 안 됩니다.
type Handler interface {
	// OnOpen 은 전송 계층이 메시지를 보낼 준비가 되었을 때 호출됩니다.
	OnOpen()

	// OnClose 는 전송 계층이 닫혔을 때 호출됩니다. reason 이 비어 있으면 정상 종료입니다.
	OnClose(reason string)

	// OnMsg 는 상대로부터 컨트롤 메시지를 받았을 때 호출됩니다.
	OnMsg(msg *protocol.Message)
}

// ProgressHandler 는 Handler 가 선택적으로 구현합니다. 응답이 늦어지는 동안에도
// 바이트가 실제로 전송되고 있으면 OnProgress 가 호출됩니다.
type ProgressHandler interface {
	OnProgress(sent, total int64)
}

// Transport 는 Streamer 와 실제 wire 사이에서 바이트/메시지를 옮기는 교체 가능한 계층입니다. (ko)
// Transport moves frames across a wire boundary; implementations are interchangeable. (en)
type Transport interface {
	ReadyState() ReadyState

	// OpenStream 은 연결을 시작합니다. 준비되면 h.OnOpen 이 호출됩니다.
	OpenStream(ctx context.Context, h Handler)

	// CloseStream 은 스트림을 닫습니다. errMsg 가 nil 이 아니면 상대에게 먼저 알립니다.
	CloseStream(errMsg *protocol.Message)

	// Send 는 컨트롤 메시지(*protocol.Message) 또는 raw 청크(protocol.Chunk)를 전송합니다.
	Send(f protocol.Frame) error
}

func frameKind(f protocol.Frame) string {
	if m, ok := protocol.IsMsg(f); ok {
		return string(m.Type)
	}
	return "chunk"
}
