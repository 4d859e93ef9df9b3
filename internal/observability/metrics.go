package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 hop-record 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 hoprec_ 접두어를 붙입니다.
// 레코더/싱크 양쪽 코드가 같은 벡터를 사용하며 side 라벨로 구분합니다.

const (
	SideRecorder = "recorder"
	SideSink     = "sink"

	DirectionSent     = "sent"
	DirectionReceived = "received"
)

var (
	// 프로토콜 컨트롤 메시지 수 (방향/타입 라벨 포함).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoprec_messages_total",
			Help: "Total number of protocol control messages, labeled by direction and message type.",
		},
		[]string{"direction", "type"}, // sent, received
	)

	// 전송/수신된 청크 수.
	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoprec_chunks_total",
			Help: "Total number of media chunks moved across the transport, labeled by side.",
		},
		[]string{"side"},
	)

	// 전송/수신된 청크 바이트 합계.
	ChunkBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoprec_chunk_bytes_total",
			Help: "Total number of media bytes moved across the transport, labeled by side.",
		},
		[]string{"side"},
	)

	// 녹화 세션 종료 결과 (side/result 라벨 포함).
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoprec_sessions_total",
			Help: "Total number of finished recording sessions, labeled by side and result.",
		},
		[]string{"side", "result"}, // closed, aborted, failed
	)

	// tus 업로드 재시도 횟수 (요청 종류 라벨 포함).
	UploadRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoprec_upload_retries_total",
			Help: "Total number of resumable-upload request retries, labeled by operation.",
		},
		[]string{"op"}, // create, patch, head
	)

	// 요청을 보낸 뒤 해당 응답을 받기까지의 지연 시간 분포.
	AckLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoprec_ack_latency_seconds",
			Help:    "Histogram of acknowledgement latencies in seconds, labeled by the awaited message type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 프로세스 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		MessagesTotal,
		ChunksTotal,
		ChunkBytesTotal,
		SessionsTotal,
		UploadRetriesTotal,
		AckLatencySeconds,
	)
}
