package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tus/tusd/v2/pkg/filestore"
	tusd "github.com/tus/tusd/v2/pkg/handler"
	"github.com/tus/tusd/v2/pkg/memorylocker"
	"github.com/tus/tusd/v2/pkg/prometheuscollector"

	"github.com/dalbodeule/hop-record/internal/logging"
	"github.com/dalbodeule/hop-record/internal/observability"
	"github.com/dalbodeule/hop-record/internal/store"
	"github.com/dalbodeule/hop-record/internal/transport"
)

// tusBasePath 는 tus 업로드 리소스가 붙는 경로입니다. 업로드 URL 은 {PublicURL}/files/{id} 입니다.
const tusBasePath = "/files/"

// tusUploadDir 는 DataDir 아래에서 tusd filestore 가 업로드 바이너리와 .info 를 두는 디렉터리입니다.
const tusUploadDir = "uploads"

// newTusHandler 는 DataDir/uploads 에 저장하는 tusd 핸들러를 만듭니다.
// 업로드가 끝나면 finishUpload 가 응답 전에 카탈로그에 기록합니다.
func (s *Server) newTusHandler() (*tusd.Handler, error) {
	dir := filepath.Join(s.cfg.DataDir, tusUploadDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	composer := tusd.NewStoreComposer()
	filestore.New(dir).UseIn(composer)
	memorylocker.New().UseIn(composer)

	h, err := tusd.NewHandler(tusd.Config{
		BasePath:                  tusBasePath,
		StoreComposer:             composer,
		NotifyTerminatedUploads:   true,
		Logger:                    newSlogLogger(s.logger.With(logging.Fields{"component": "tusd"})),
		PreFinishResponseCallback: s.finishUpload,
	})
	if err != nil {
		return nil, fmt.Errorf("create tus handler: %w", err)
	}
	return h, nil
}

// tusRoutes 는 /files 와 /files/{id} 를 tusd 로 넘깁니다.
// GET /files/{id} 는 완료된 녹화를 내려받는 경로이므로 인증 없이 허용합니다.
func (s *Server) tusRoutes(mux *http.ServeMux) {
	h := s.countPatches(s.tus)
	auth := func(next http.Handler) http.Handler {
		authed := s.authMiddleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
	mux.Handle("/files", http.StripPrefix("/files", auth(h)))
	mux.Handle(tusBasePath, http.StripPrefix(tusBasePath, auth(h)))
}

// countPatches 는 데이터를 실은 PATCH 중 성공한 요청 수를 업로드별로 셉니다. 카탈로그의 청크 수가 됩니다.
// 완료 훅이 요청 처리 도중 값을 읽으므로 먼저 올리고, 실패하면 되돌립니다.
func (s *Server) countPatches(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.ContentLength <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		id := strings.Trim(r.URL.Path, "/")
		s.mu.Lock()
		s.patches[id]++
		s.mu.Unlock()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		if sw.status != http.StatusNoContent {
			s.mu.Lock()
			if n, ok := s.patches[id]; ok {
				if n <= 1 {
					delete(s.patches, id)
				} else {
					s.patches[id] = n - 1
				}
			}
			s.mu.Unlock()
			return
		}
		observability.ChunksTotal.WithLabelValues(observability.SideSink).Inc()
		observability.ChunkBytesTotal.WithLabelValues(observability.SideSink).Add(float64(r.ContentLength))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap 은 http.ResponseController 가 원래 writer 의 deadline 설정을 쓰게 합니다.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) takePatches(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.patches[id]
	delete(s.patches, id)
	return n
}

// finishUpload 는 마지막 PATCH 의 응답 전에 호출됩니다. 업로드 파일을 녹화 경로에 연결하고
// 카탈로그에 기록하며, 실패하면 클라이언트는 500 을 받습니다.
func (s *Server) finishUpload(hook tusd.HookEvent) (tusd.HTTPResponse, error) {
	info := hook.Upload
	encoding := info.MetaData["filetype"]
	if encoding == "" {
		encoding = transport.DefaultTusFileType
	}

	bin := info.Storage["Path"]
	if bin == "" {
		bin = filepath.Join(s.cfg.DataDir, tusUploadDir, info.ID)
	}
	if err := linkOrCopy(bin, s.mediaPath(info.ID, encoding)); err != nil {
		s.logger.Error("failed to store finished upload", logging.Fields{"id": info.ID, "error": err.Error()})
		return tusd.HTTPResponse{}, err
	}

	size := info.Size
	if info.SizeIsDeferred || size < info.Offset {
		size = info.Offset
	}
	rec := store.Recording{
		ID:        info.ID,
		Name:      strings.TrimSpace(info.MetaData["filename"]),
		URL:       s.recordingURL(info.ID),
		Encoding:  encoding,
		Size:      size,
		Chunks:    s.takePatches(info.ID),
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Put(ctx, rec); err != nil {
		s.logger.Error("failed to catalog upload", logging.Fields{"id": info.ID, "error": err.Error()})
		return tusd.HTTPResponse{}, fmt.Errorf("catalog upload: %w", err)
	}

	observability.SessionsTotal.WithLabelValues(observability.SideSink, "closed").Inc()
	s.logger.Info("tus upload finished", logging.Fields{
		"id":     info.ID,
		"size":   size,
		"chunks": rec.Chunks,
		"name":   rec.Name,
	})
	return tusd.HTTPResponse{}, nil
}

// watchTerminated 는 클라이언트가 DELETE 로 중단한 업로드를 정리합니다.
func (s *Server) watchTerminated(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.tus.TerminatedUploads:
			s.takePatches(ev.Upload.ID)
			observability.SessionsTotal.WithLabelValues(observability.SideSink, "aborted").Inc()
			s.logger.Info("tus upload terminated", logging.Fields{"id": ev.Upload.ID})
		}
	}
}

// Collector 는 tusd 업로드 지표를 Prometheus 에 노출하는 collector 입니다.
func (s *Server) Collector() prometheus.Collector {
	return prometheuscollector.New(s.tus.Metrics)
}

// linkOrCopy 는 같은 파일시스템이면 하드 링크로, 아니면 복사로 dst 를 만듭니다.
func linkOrCopy(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy upload: %w", err)
	}
	return out.Close()
}
