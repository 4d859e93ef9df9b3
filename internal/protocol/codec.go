package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxProtoMessageBytes 는 단일 Protobuf 메시지의 최대 크기 상한입니다.
// 컨트롤 메시지는 수백 바이트 수준이므로 충분히 여유 있는 값입니다.
const maxProtoMessageBytes = 64 * 1024

// WireCodec 는 protocol.Message 의 직렬화/역직렬화를 추상화합니다.
// JSON, Protobuf 등으로 교체할 때 이 인터페이스만 유지하면 됩니다.
type WireCodec interface {
	Encode(w io.Writer, msg *Message) error
	Decode(r io.Reader, msg *Message) error
}

// jsonCodec 은 JSON 기반 WireCodec 구현입니다.
// WebSocket 텍스트 프레임의 기본 형식입니다.
type jsonCodec struct{}

// Encode 는 Message 를 한 줄짜리 JSON 으로 인코딩해 작성합니다.
// Encode writes msg as a single line of JSON. (en)
func (jsonCodec) Encode(w io.Writer, msg *Message) error {
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		return fmt.Errorf("json codec: encode %s: %w", msg.Type, err)
	}
	return nil
}

// Decode 는 r 에서 JSON Message 하나를 읽습니다.
// r 은 WebSocket 프레임 reader 처럼 메시지 하나만 담고 있어야 합니다. (ko)
// Decode reads one JSON message; r is expected to hold exactly one frame. (en)
func (jsonCodec) Decode(r io.Reader, msg *Message) error {
	*msg = Message{}
	if err := json.NewDecoder(r).Decode(msg); err != nil {
		return fmt.Errorf("json codec: decode: %w", err)
	}
	return nil
}

// protobufCodec 은 Protobuf wire format + length-prefix framing 기반 WireCodec 구현입니다.
// 한 Message 당 [4바이트 big-endian 길이] + [protobuf bytes] 형태로 인코딩합니다.
//
// 필드 번호:
//
//	1: type (string)
//	2: encoding (string)
//	3: url (string)
//	4: id (varint, 존재할 때만)
//	5: error (string)
type protobufCodec struct{}

const (
	fieldType     protowire.Number = 1
	fieldEncoding protowire.Number = 2
	fieldURL      protowire.Number = 3
	fieldID       protowire.Number = 4
	fieldError    protowire.Number = 5
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Encode 는 Message 를 length-prefix 프레이밍된 protobuf 바이트로 기록합니다.
// 길이 prefix 와 payload 를 한 번의 Write 로 보내 datagram 성격의 writer 에서도 경계가 유지됩니다.
func (protobufCodec) Encode(w io.Writer, msg *Message) error {
	if msg == nil || msg.Type == "" {
		return fmt.Errorf("protobuf codec: message without type")
	}
	buf := make([]byte, 4, 64)
	buf = appendStringField(buf, fieldType, string(msg.Type))
	buf = appendStringField(buf, fieldEncoding, msg.Data.Encoding)
	buf = appendStringField(buf, fieldURL, msg.Data.URL)
	if msg.Data.ID != nil {
		buf = protowire.AppendTag(buf, fieldID, protowire.VarintType)
		buf = protowire.AppendVarint(buf, *msg.Data.ID)
	}
	buf = appendStringField(buf, fieldError, msg.Data.Error)

	n := len(buf) - 4
	if n > maxProtoMessageBytes {
		return fmt.Errorf("protobuf codec: message too large: %d bytes", n)
	}
	binary.BigEndian.PutUint32(buf[:4], uint32(n))

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protobuf codec: write frame: %w", err)
	}
	return nil
}

// Decode 는 length-prefix 프레임 하나를 읽어 Message 로 변환합니다. (ko)
// Decode reads one length-prefixed frame and converts it into msg. (en)
func (protobufCodec) Decode(r io.Reader, msg *Message) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("protobuf codec: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return fmt.Errorf("protobuf codec: zero-length message")
	}
	if n > maxProtoMessageBytes {
		return fmt.Errorf("protobuf codec: message too large: %d bytes (max %d)", n, maxProtoMessageBytes)
	}

	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("protobuf codec: read payload: %w", err)
	}
	return unmarshalProto(payload, msg)
}

func unmarshalProto(b []byte, msg *Message) error {
	*msg = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("protobuf codec: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("protobuf codec: id: %w", protowire.ParseError(m))
			}
			msg.Data.ID = uint64Ptr(v)
			b = b[m:]
		case typ == protowire.BytesType && num >= fieldType && num <= fieldError:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("protobuf codec: field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldType:
				msg.Type = MsgType(s)
			case fieldEncoding:
				msg.Data.Encoding = s
			case fieldURL:
				msg.Data.URL = s
			case fieldError:
				msg.Data.Error = s
			}
			b = b[m:]
		default:
			// 알 수 없는 필드는 건너뜁니다.
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("protobuf codec: skip field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if msg.Type == "" {
		return fmt.Errorf("protobuf codec: message without type")
	}
	return nil
}

// JSONCodec 은 WebSocket 전송에 사용하는 JSON WireCodec 입니다.
var JSONCodec WireCodec = jsonCodec{}

// DefaultCodec 은 세션 저널 등 바이트 스트림에 기록할 때 사용하는 기본 WireCodec 입니다.
var DefaultCodec WireCodec = protobufCodec{}
