package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dalbodeule/hop-record/internal/protocol"
)

// JournalExt 는 세션 저널 파일 확장자입니다.
const JournalExt = ".journal"

// Journal 은 한 세션에서 오간 컨트롤 메시지를 length-prefixed protobuf 로 기록합니다. (ko)
// Journal appends every control message of a session using protocol.DefaultCodec. (en)
type Journal struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// CreateJournal 은 path 에 새 저널 파일을 만듭니다.
func CreateJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	return &Journal{f: f, w: bufio.NewWriter(f)}, nil
}

// Append 는 메시지 하나를 기록하고 바로 flush 합니다.
func (j *Journal) Append(msg *protocol.Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := protocol.DefaultCodec.Encode(j.w, msg); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return j.w.Flush()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}

// ReadJournal 은 r 에 기록된 메시지를 순서대로 fn 에 넘깁니다.
func ReadJournal(r io.Reader, fn func(*protocol.Message) error) error {
	br := bufio.NewReader(r)
	for {
		var msg protocol.Message
		err := protocol.DefaultCodec.Decode(br, &msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(&msg); err != nil {
			return err
		}
	}
}
