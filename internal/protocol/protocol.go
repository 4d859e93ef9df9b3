package protocol

import (
	"errors"
	"fmt"
)

// MsgType 은 레코더와 전송 계층 사이에서 오가는 메시지의 종류를 나타냅니다. (ko)
// MsgType is the discriminant of a protocol message. (en)
type MsgType string

const (
	MsgTypeError            MsgType = "error"
	MsgTypeInitReq          MsgType = "initReq"
	MsgTypeInitResp         MsgType = "initResp"
	MsgTypeStreamHeader     MsgType = "streamHeader"
	MsgTypeStreamHeaderResp MsgType = "streamHeaderResp"
	// 스트림 데이터 자체는 envelope 없이 raw 바이너리(Chunk)로 전송됩니다.
	MsgTypeStreamResp MsgType = "streamResp"
	MsgTypeClose      MsgType = "close"
	MsgTypeCloseResp  MsgType = "closeResp"
)

var knownTypes = map[MsgType]struct{}{
	MsgTypeError:            {},
	MsgTypeInitReq:          {},
	MsgTypeInitResp:         {},
	MsgTypeStreamHeader:     {},
	MsgTypeStreamHeaderResp: {},
	MsgTypeStreamResp:       {},
	MsgTypeClose:            {},
	MsgTypeCloseResp:        {},
}

// Known 은 t 가 프로토콜 어휘에 포함된 타입인지 여부를 반환합니다.
func (t MsgType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Data 는 메시지 타입별 payload 를 담습니다.
//   - initReq                        : Encoding
//   - initResp / close / closeResp   : URL (Connection 정보)
//   - streamHeader / *Resp           : ID, URL
//   - error                          : Error
type Data struct {
	Encoding string  `json:"encoding,omitempty"`
	URL      string  `json:"url,omitempty"`
	ID       *uint64 `json:"id,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Message 는 type 필드를 discriminant 로 사용하는 프로토콜 envelope 입니다. (ko)
// Message is the tagged protocol envelope, serialized as {"type": ..., "data": {...}}. (en)
type Message struct {
	Type MsgType `json:"type"`
	Data Data    `json:"data"`
}

// Chunk 는 녹화기가 생성한 미디어 바이트 구간입니다.
// 항상 직전의 streamHeader 로 순서가 결정되며 envelope 없이 전송됩니다.
type Chunk []byte

// Frame 은 전송 계층이 주고받는 단위로, *Message 또는 Chunk 중 하나입니다. (ko)
// Frame is either a *Message or a Chunk. (en)
type Frame interface {
	isFrame()
}

func (*Message) isFrame() {}
func (Chunk) isFrame()    {}

// IsMsg 는 frame 이 인식 가능한 타입을 가진 구조화 메시지인지 판별합니다.
// 그 외의 값(raw 바이트 등)은 모두 스트림 데이터로 취급합니다. (ko)
// IsMsg narrows a frame to a message when it carries a recognized type tag. (en)
func IsMsg(f Frame) (*Message, bool) {
	m, ok := f.(*Message)
	if !ok || m == nil {
		return nil, false
	}
	if !m.Type.Known() {
		return nil, false
	}
	return m, true
}

// Connection 은 initResp 로 협상된 세션 엔드포인트 정보입니다.
// 세션당 한 번 생성되고 세션 종료 시 폐기됩니다.
type Connection struct {
	URL string
}

// StreamID 는 streamHeader 계열 메시지의 청크 번호를 반환합니다.
func (m *Message) StreamID() (uint64, bool) {
	if m == nil || m.Data.ID == nil {
		return 0, false
	}
	return *m.Data.ID, true
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	if id, ok := m.StreamID(); ok {
		return fmt.Sprintf("%s(id=%d)", m.Type, id)
	}
	return string(m.Type)
}

var (
	// ErrUnknownType 은 어휘에 없는 type 태그를 가진 메시지를 나타냅니다.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrMalformed 는 타입에 필요한 payload 필드가 빠진 메시지를 나타냅니다.
	ErrMalformed = errors.New("protocol: malformed message payload")
)

// Validate 는 메시지 타입별로 필요한 payload 필드가 있는지 검사합니다. (ko)
// Validate checks the payload fields each message type relies on. (en)
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformed)
	}
	switch m.Type {
	case MsgTypeInitReq:
		if m.Data.Encoding == "" {
			return fmt.Errorf("%w: %s requires encoding", ErrMalformed, m.Type)
		}
	case MsgTypeInitResp, MsgTypeClose, MsgTypeCloseResp:
		if m.Data.URL == "" {
			return fmt.Errorf("%w: %s requires url", ErrMalformed, m.Type)
		}
	case MsgTypeStreamHeader, MsgTypeStreamHeaderResp, MsgTypeStreamResp:
		if m.Data.ID == nil {
			return fmt.Errorf("%w: %s requires id", ErrMalformed, m.Type)
		}
	case MsgTypeError:
		if m.Data.Error == "" {
			return fmt.Errorf("%w: error requires error text", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

func uint64Ptr(v uint64) *uint64 { return &v }

func NewInitReq(encoding string) *Message {
	return &Message{Type: MsgTypeInitReq, Data: Data{Encoding: encoding}}
}

func NewInitResp(conn Connection) *Message {
	return &Message{Type: MsgTypeInitResp, Data: Data{URL: conn.URL}}
}

// NewStreamHeader 는 다음 청크의 번호와 대상 URL 을 알리는 헤더를 생성합니다.
func NewStreamHeader(id uint64, url string) *Message {
	return &Message{Type: MsgTypeStreamHeader, Data: Data{ID: uint64Ptr(id), URL: url}}
}

func NewStreamHeaderResp(id uint64, url string) *Message {
	return &Message{Type: MsgTypeStreamHeaderResp, Data: Data{ID: uint64Ptr(id), URL: url}}
}

func NewStreamResp(id uint64, url string) *Message {
	return &Message{Type: MsgTypeStreamResp, Data: Data{ID: uint64Ptr(id), URL: url}}
}

func NewCloseReq(conn Connection) *Message {
	return &Message{Type: MsgTypeClose, Data: Data{URL: conn.URL}}
}

func NewCloseResp(conn Connection) *Message {
	return &Message{Type: MsgTypeCloseResp, Data: Data{URL: conn.URL}}
}

// NewError 는 상대에게 세션 오류를 알리는 error 메시지를 생성합니다.
func NewError(text string) *Message {
	return &Message{Type: MsgTypeError, Data: Data{Error: text}}
}
