package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/observability"
	"github.com/dalbodeule/hop-record/internal/protocol"
	"github.com/dalbodeule/hop-record/internal/store"
)

const wsWriteWait = 10 * time.Second

// handleStream 은 WebSocket 연결 하나를 녹화 세션 하나로 처리합니다.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}
	// 헤더 + 청크 + 여유분.
	conn.SetReadLimit(s.cfg.MaxChunkBytes + 4096)

	sess := &wsSession{
		srv:    s,
		conn:   conn,
		logger: s.logger.With(logging.Fields{"remote": r.RemoteAddr}),
	}
	sess.serve(r.Context())
}

// wsSession 은 서버 측 프로토콜 상태입니다. 한 goroutine 에서만 사용합니다.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	logger logging.Logger

	id        string
	encoding  string
	url       string
	file      *os.File
	journal   *Journal
	size      int64
	chunks    int
	expectID  uint64
	pending   *protocol.Message
	finalized bool
}

func (ss *wsSession) serve(ctx context.Context) {
	defer ss.cleanup()
	for {
		mt, r, err := ss.conn.NextReader()
		if err != nil {
			if !ss.finalized {
				ss.logger.Info("stream connection closed", logging.Fields{"error": err.Error(), "id": ss.id})
			}
			return
		}

		var done bool
		switch mt {
		case websocket.TextMessage:
			var msg protocol.Message
			if err := protocol.JSONCodec.Decode(r, &msg); err != nil {
				ss.logger.Warn("failed to decode message", logging.Fields{"error": err.Error()})
				continue
			}
			if err := msg.Validate(); err != nil {
				ss.logger.Warn("dropping invalid message", logging.Fields{"type": string(msg.Type), "error": err.Error()})
				continue
			}
			observability.MessagesTotal.WithLabelValues(observability.DirectionReceived, string(msg.Type)).Inc()
			ss.record(&msg)
			done = ss.handleMsg(ctx, &msg)
		case websocket.BinaryMessage:
			done = ss.handleChunk(r)
		}
		if done {
			return
		}
	}
}

// handleMsg 는 메시지를 처리하고 세션이 끝났으면 true 를 반환합니다.
func (ss *wsSession) handleMsg(ctx context.Context, msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.MsgTypeInitReq:
		if ss.id != "" {
			return ss.fail("duplicate initReq")
		}
		if err := ss.begin(msg.Data.Encoding); err != nil {
			ss.logger.Error("failed to create recording", logging.Fields{"error": err.Error()})
			return ss.fail("failed to create recording")
		}
		ss.record(msg)
		return ss.send(protocol.NewInitResp(protocol.Connection{URL: ss.url}))

	case protocol.MsgTypeStreamHeader:
		if ss.id == "" {
			return ss.fail("streamHeader before initReq")
		}
		id, _ := msg.StreamID()
		if ss.pending != nil {
			return ss.fail("streamHeader while another chunk is pending")
		}
		if id != ss.expectID {
			return ss.fail(fmt.Sprintf("unexpected chunk id %d, want %d", id, ss.expectID))
		}
		ss.pending = msg
		return ss.send(protocol.NewStreamHeaderResp(id, ss.url))

	case protocol.MsgTypeClose:
		if ss.id == "" {
			return ss.fail("close before initReq")
		}
		if ss.pending != nil {
			return ss.fail("close while a chunk is pending")
		}
		if err := ss.finalize(ctx); err != nil {
			ss.logger.Error("failed to finalize recording", logging.Fields{"id": ss.id, "error": err.Error()})
			return ss.fail("failed to finalize recording")
		}
		if ss.send(protocol.NewCloseResp(protocol.Connection{URL: ss.url})) {
			return true
		}
		ss.closeConn("")
		return true

	case protocol.MsgTypeError:
		ss.logger.Warn("recorder reported error", logging.Fields{"id": ss.id, "error": msg.Data.Error})
		observability.SessionsTotal.WithLabelValues(observability.SideSink, "aborted").Inc()
		return true

	default:
		ss.logger.Warn("dropping message not handled by sink", logging.Fields{"msg": msg.String()})
		return false
	}
}

func (ss *wsSession) handleChunk(r io.Reader) bool {
	if ss.pending == nil {
		return ss.fail("got buffer without header")
	}
	id, _ := ss.pending.StreamID()
	n, err := io.Copy(ss.file, r)
	if err != nil {
		ss.logger.Error("failed to write chunk", logging.Fields{"id": ss.id, "chunk": id, "error": err.Error()})
		return ss.fail("failed to write chunk")
	}
	ss.pending = nil
	ss.size += n
	ss.chunks++
	ss.expectID++
	observability.ChunksTotal.WithLabelValues(observability.SideSink).Inc()
	observability.ChunkBytesTotal.WithLabelValues(observability.SideSink).Add(float64(n))
	return ss.send(protocol.NewStreamResp(id, ss.url))
}

func (ss *wsSession) begin(encoding string) error {
	id := uuid.NewString()
	f, err := os.Create(ss.srv.mediaPath(id, encoding))
	if err != nil {
		return err
	}
	j, err := CreateJournal(ss.srv.journalPath(id))
	if err != nil {
		_ = f.Close()
		return err
	}
	ss.id = id
	ss.encoding = encoding
	ss.url = ss.srv.recordingURL(id)
	ss.file = f
	ss.journal = j
	ss.logger = ss.logger.With(logging.Fields{"id": id})
	ss.logger.Info("recording started", logging.Fields{"encoding": encoding})
	return nil
}

func (ss *wsSession) finalize(ctx context.Context) error {
	if err := ss.file.Sync(); err != nil {
		return err
	}
	if err := ss.file.Close(); err != nil {
		return err
	}
	ss.file = nil
	err := ss.srv.store.Put(ctx, store.Recording{
		ID:       ss.id,
		URL:      ss.url,
		Encoding: ss.encoding,
		Size:     ss.size,
		Chunks:   ss.chunks,
	})
	if err != nil {
		return err
	}
	ss.finalized = true
	observability.SessionsTotal.WithLabelValues(observability.SideSink, "closed").Inc()
	ss.logger.Info("recording finished", logging.Fields{"size": ss.size, "chunks": ss.chunks})
	return nil
}

// record 는 컨트롤 메시지를 세션 저널에 남깁니다. 저널은 initReq 에서 만들어집니다.
func (ss *wsSession) record(msg *protocol.Message) {
	if ss.journal == nil {
		return
	}
	if err := ss.journal.Append(msg); err != nil {
		ss.logger.Warn("failed to write journal", logging.Fields{"error": err.Error()})
	}
}

// send 는 메시지를 보내고, 실패하면 세션이 끝났으므로 true 를 반환합니다.
func (ss *wsSession) send(msg *protocol.Message) bool {
	ss.record(msg)
	observability.MessagesTotal.WithLabelValues(observability.DirectionSent, string(msg.Type)).Inc()

	_ = ss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	w, err := ss.conn.NextWriter(websocket.TextMessage)
	if err == nil {
		err = protocol.JSONCodec.Encode(w, msg)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		ss.logger.Warn("failed to send message", logging.Fields{"msg": msg.String(), "error": err.Error()})
		return true
	}
	return false
}

// fail 은 error 메시지를 보내고 같은 reason 으로 연결을 닫습니다.
func (ss *wsSession) fail(reason string) bool {
	ss.logger.Warn("closing session on protocol error", logging.Fields{"reason": reason})
	observability.SessionsTotal.WithLabelValues(observability.SideSink, "failed").Inc()
	ss.send(protocol.NewError(reason))
	ss.closeConn(reason)
	return true
}

func (ss *wsSession) closeConn(reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = ss.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(wsWriteWait),
	)
}

func (ss *wsSession) cleanup() {
	if ss.file != nil {
		_ = ss.file.Close()
	}
	if ss.journal != nil {
		if err := ss.journal.Close(); err != nil {
			ss.logger.Warn("failed to close journal", logging.Fields{"error": err.Error()})
		}
	}
	if ss.id != "" && !ss.finalized {
		ss.logger.Warn("recording left unfinished", logging.Fields{"size": ss.size, "chunks": ss.chunks})
	}
	_ = ss.conn.Close()
}
