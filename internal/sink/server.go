package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	tusd "github.com/tus/tusd/v2/pkg/handler"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/media"
	"github.com/dalbodeule/hop-record/internal/store"
)

// 기본 청크 크기 상한입니다.
const DefaultMaxChunkBytes = 16 * 1024 * 1024

// Config 는 싱크 서버 설정입니다.
type Config struct {
	DataDir       string // 녹화 파일과 저널이 저장되는 디렉터리
	PublicURL     string // 녹화 URL 을 만들 때 쓰는 외부 주소 (예: https://rec.example.com)
	Token         string // 비어 있지 않으면 업로드 엔드포인트에 Bearer 인증을 요구합니다.
	MaxChunkBytes int64
}

// Server 는 WebSocket(/stream) 과 tus(/files/) 두 가지 업로드 경로로 녹화를 받아
// DataDir 에 저장하고 카탈로그에 기록합니다. (ko)
// Server receives recordings over WebSocket or tus and catalogs them. (en)
type Server struct {
	cfg      Config
	store    *store.Store
	logger   logging.Logger
	upgrader websocket.Upgrader
	tus      *tusd.Handler
	stop     context.CancelFunc

	mu      sync.Mutex
	patches map[string]int // 진행 중인 tus 업로드별 PATCH 수
}

// New 는 DataDir 를 만들고 싱크 서버를 생성합니다.
func New(cfg Config, st *store.Store, logger logging.Logger) (*Server, error) {
	if st == nil {
		return nil, errors.New("sink: store is nil")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("sink: data dir is empty")
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		logger: logger.With(logging.Fields{"component": "sink"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		patches: make(map[string]int),
	}

	tus, err := s.newTusHandler()
	if err != nil {
		return nil, err
	}
	s.tus = tus
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.watchTerminated(ctx)
	return s, nil
}

// Close 는 백그라운드 goroutine 을 정리합니다. HTTP 서버 종료는 Run 이 맡습니다.
func (s *Server) Close() {
	s.stop()
}

// Handler 는 싱크의 모든 라우트를 등록한 mux 를 반환합니다.
//   - GET  /stream            : WebSocket 녹화 세션
//   - *    /files, /files/{id}: tus 1.0.0 업로드 (tusd)
//   - GET  /files/{id}        : 완료된 업로드 다운로드, 인증 없음
//   - GET  /recordings        : 카탈로그 목록(JSON)
//   - GET  /recordings/{id}   : 녹화 파일
//   - GET  /metrics           : Prometheus
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/stream", s.authMiddleware(http.HandlerFunc(s.handleStream)))
	s.tusRoutes(mux)
	mux.HandleFunc("GET /recordings", s.handleRecordingList)
	mux.HandleFunc("GET /recordings/{id}", s.handleRecording)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// NewHTTPServer 는 H1/H2 를 지원하는 기본 HTTP 서버를 생성합니다.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	_ = http2.ConfigureServer(srv, &http2.Server{})
	return srv
}

// Run 은 ctx 가 끝날 때까지 srv 를 실행하고, 끝나면 graceful shutdown 합니다.
func Run(ctx context.Context, srv *http.Server, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sink listening", logging.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("sink shutting down", nil)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// authMiddleware 는 Authorization: Bearer {token} 헤더를 검증합니다.
// 브라우저 WebSocket 은 헤더를 붙일 수 없으므로 ?token= 쿼리도 허용합니다.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q == s.cfg.Token
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix)) == s.cfg.Token
}

func (s *Server) recordingURL(id string) string {
	return s.cfg.PublicURL + "/recordings/" + id
}

func (s *Server) mediaPath(id, encoding string) string {
	return filepath.Join(s.cfg.DataDir, id+media.FileExtension(encoding))
}

func (s *Server) journalPath(id string) string {
	return filepath.Join(s.cfg.DataDir, id+JournalExt)
}

type recordingView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url"`
	Encoding  string    `json:"encoding,omitempty"`
	Size      int64     `json:"size"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleRecordingList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context(), 100)
	if err != nil {
		s.logger.Error("failed to list recordings", logging.Fields{"error": err.Error()})
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error"})
		return
	}
	out := make([]recordingView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordingView(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("failed to load recording", logging.Fields{"id": id, "error": err.Error()})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec.Encoding != "" {
		w.Header().Set("Content-Type", strings.TrimSpace(strings.SplitN(rec.Encoding, ";", 2)[0]))
	}
	http.ServeFile(w, r, s.mediaPath(rec.ID, rec.Encoding))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write json response", logging.Fields{"error": err.Error()})
	}
}
