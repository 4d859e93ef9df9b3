package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
}

// 전송 계층 이름입니다.
const (
	TransportWebsocket = "ws"
	TransportTus       = "tus"
)

// ClientConfig 는 레코더(클라이언트) 프로세스 설정을 담습니다.
//
// 값은 설정 파일(TOML) < .env/환경변수 < CLI 인자 순서로 덮어씁니다.
type ClientConfig struct {
	Transport string            // "ws" 또는 "tus"
	Endpoint  string            // 예: ws://localhost:1080/stream, http://localhost:1080/files/
	Token     string            // Authorization: Bearer 토큰 (선택)
	Filename  string            // tus 업로드 메타데이터 filename
	Metadata  map[string]string // 추가 tus 메타데이터 (k1=v1,k2=v2)

	ChunkSize   int             // tus PATCH 한 번에 보낼 최대 바이트 수
	RetryDelays []time.Duration // tus 요청 재시도 지연 스케줄
	AckTimeout  time.Duration   // 응답 대기 제한 (0 이면 무제한)

	Timeslice          time.Duration // 녹화기 청크 간격
	MimeType           string        // 비어 있으면 선호 목록의 첫 번째 값
	VideoBitsPerSecond int
	AudioBitsPerSecond int
	Realtime           bool // true 면 비트레이트에 맞춰 소스를 읽습니다.

	Debug   bool
	Logging LoggingConfig
}

// ServerConfig 는 싱크 서버 프로세스 설정을 담습니다.
type ServerConfig struct {
	Listen        string // 예: ":1080"
	PublicURL     string // 응답에 넣을 외부 URL prefix (예: https://rec.example.com)
	DataDir       string // 녹화 파일/저널 저장 디렉터리
	DBDriver      string // "sqlite" 또는 "postgres"
	DBDSN         string // 비어 있으면 DataDir/recordings.db (sqlite)
	Token         string // 업로드 인증 토큰 (비어 있으면 인증 생략)
	MaxChunkBytes int64  // WebSocket 프레임 최대 크기
	Debug         bool

	Logging LoggingConfig
}

// 기본값들입니다.
var (
	DefaultRetryDelays = []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second}
)

const (
	DefaultChunkSize          = 10000
	DefaultAckTimeout         = 30 * time.Second
	DefaultTimeslice          = time.Second
	DefaultVideoBitsPerSecond = 8000000
	DefaultAudioBitsPerSecond = 192000
	DefaultMaxChunkBytes      = 16 * 1024 * 1024
)

// fileConfig 는 TOML 설정 파일의 구조입니다.
// duration 값은 "1s", "500ms" 형식의 문자열로 적습니다.
type fileConfig struct {
	Client struct {
		Transport          string            `toml:"transport"`
		Endpoint           string            `toml:"endpoint"`
		Token              string            `toml:"token"`
		Filename           string            `toml:"filename"`
		Metadata           map[string]string `toml:"metadata"`
		ChunkSize          int               `toml:"chunk_size"`
		RetryDelays        []string          `toml:"retry_delays"`
		AckTimeout         string            `toml:"ack_timeout"`
		Timeslice          string            `toml:"timeslice"`
		MimeType           string            `toml:"mime_type"`
		VideoBitsPerSecond int               `toml:"video_bits_per_second"`
		AudioBitsPerSecond int               `toml:"audio_bits_per_second"`
		Realtime           bool              `toml:"realtime"`
		Debug              bool              `toml:"debug"`
	} `toml:"client"`
	Server struct {
		Listen        string `toml:"listen"`
		PublicURL     string `toml:"public_url"`
		DataDir       string `toml:"data_dir"`
		DBDriver      string `toml:"db_driver"`
		DBDSN         string `toml:"db_dsn"`
		Token         string `toml:"token"`
		MaxChunkBytes int64  `toml:"max_chunk_bytes"`
		Debug         bool   `toml:"debug"`
	} `toml:"server"`
	Logging struct {
		Level string `toml:"level"`
	} `toml:"logging"`
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		fi, err := os.Stat(".env")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// .env 가 없으면 조용히 무시
				return
			}
			dotenvErr = err
			return
		}
		if fi.IsDir() {
			return
		}

		f, err := os.Open(".env")
		if err != nil {
			dotenvErr = err
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			// 양 끝의 작은/큰따옴표 제거
			val = strings.Trim(val, `"'`)

			if key != "" {
				// 이미 OS 환경변수에 설정된 값이 있는 경우 이를 우선시합니다.
				if _, exists := os.LookupEnv(key); !exists {
					_ = os.Setenv(key, val)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			dotenvErr = err
			return
		}
	})
}

// loadFile 은 TOML 설정 파일을 읽습니다. path 가 비어 있으면 HOP_REC_CONFIG 를 사용하고,
// 둘 다 비어 있으면 빈 설정을 반환합니다.
func loadFile(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("HOP_REC_CONFIG"))
	}
	if path == "" {
		return fc, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDurations 는 "0,1s,3s,5s" 형태를 duration 목록으로 변환합니다.
// 단위가 없는 숫자는 밀리초로 해석합니다.
func parseDurations(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		if ms, err := strconv.Atoi(v); err == nil {
			out = append(out, time.Duration(ms)*time.Millisecond)
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid retry delay %q", v)
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseMetadata 는 CLI 의 --metadata 값을 tus 메타데이터 map 으로 변환합니다.
func ParseMetadata(raw string) map[string]string { return parseKeyValueCSV(strings.TrimSpace(raw)) }

// parseKeyValueCSV 는 "k1=v1,k2=v2" 형태의 문자열을 map 으로 변환합니다.
func parseKeyValueCSV(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	m := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k != "" {
			m[k] = v
		}
	}
	return m
}

func orString(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDurationString(v string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

// loadLogging 은 공통 로그 설정을 파일 + .env/환경변수에서 읽어옵니다.
func loadLogging(fc *fileConfig) LoggingConfig {
	return LoggingConfig{
		Level: getEnvOrDefault("HOP_REC_LOG_LEVEL", orString(fc.Logging.Level, "info")),
	}
}

// LoadClientConfig 는 설정 파일을 읽은 뒤 .env 를 한 번 읽어 환경변수를 보완하고
// "환경변수 > .env > 설정 파일 > 기본값" 우선순위로 레코더 설정을 구성합니다.
func LoadClientConfig(path string) (*ClientConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}
	fc, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	fcc := fc.Client

	cfg := &ClientConfig{
		Transport: strings.ToLower(getEnvOrDefault("HOP_REC_TRANSPORT", orString(fcc.Transport, TransportWebsocket))),
		Endpoint:  getEnvOrDefault("HOP_REC_ENDPOINT", fcc.Endpoint),
		Token:     getEnvOrDefault("HOP_REC_TOKEN", fcc.Token),
		Filename:  getEnvOrDefault("HOP_REC_FILENAME", fcc.Filename),
		MimeType:  getEnvOrDefault("HOP_REC_MIME_TYPE", fcc.MimeType),
		Realtime:  getEnvBool("HOP_REC_REALTIME", fcc.Realtime),
		Debug:     getEnvBool("HOP_REC_DEBUG", fcc.Debug),
		Logging:   loadLogging(fc),
	}

	cfg.Metadata = fcc.Metadata
	if md := parseKeyValueCSV(os.Getenv("HOP_REC_METADATA")); md != nil {
		cfg.Metadata = md
	}

	if cfg.ChunkSize, err = getEnvInt("HOP_REC_CHUNK_SIZE", orInt(fcc.ChunkSize, DefaultChunkSize)); err != nil {
		return nil, err
	}
	if cfg.VideoBitsPerSecond, err = getEnvInt("HOP_REC_VIDEO_BPS", orInt(fcc.VideoBitsPerSecond, DefaultVideoBitsPerSecond)); err != nil {
		return nil, err
	}
	if cfg.AudioBitsPerSecond, err = getEnvInt("HOP_REC_AUDIO_BPS", orInt(fcc.AudioBitsPerSecond, DefaultAudioBitsPerSecond)); err != nil {
		return nil, err
	}

	ackDef, err := orDurationString(fcc.AckTimeout, DefaultAckTimeout)
	if err != nil {
		return nil, fmt.Errorf("client.ack_timeout: %w", err)
	}
	if cfg.AckTimeout, err = getEnvDuration("HOP_REC_ACK_TIMEOUT", ackDef); err != nil {
		return nil, err
	}
	tsDef, err := orDurationString(fcc.Timeslice, DefaultTimeslice)
	if err != nil {
		return nil, fmt.Errorf("client.timeslice: %w", err)
	}
	if cfg.Timeslice, err = getEnvDuration("HOP_REC_TIMESLICE", tsDef); err != nil {
		return nil, err
	}

	delays := parseCSV(os.Getenv("HOP_REC_RETRY_DELAYS"))
	if delays == nil {
		delays = fcc.RetryDelays
	}
	if len(delays) > 0 {
		if cfg.RetryDelays, err = parseDurations(delays); err != nil {
			return nil, err
		}
	} else {
		cfg.RetryDelays = append([]time.Duration(nil), DefaultRetryDelays...)
	}

	return cfg, nil
}

// Validate 는 레코더 설정의 필수 값과 범위를 검사합니다.
func (c *ClientConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("client config missing required fields: %s", strings.Join(missing, ", "))
	}
	switch c.Transport {
	case TransportWebsocket, TransportTus:
	default:
		return fmt.Errorf("unsupported transport %q (want %q or %q)", c.Transport, TransportWebsocket, TransportTus)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.Timeslice <= 0 {
		return fmt.Errorf("timeslice must be positive, got %s", c.Timeslice)
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("ack timeout must not be negative, got %s", c.AckTimeout)
	}
	return nil
}

// LoadServerConfig 는 "환경변수 > .env > 설정 파일 > 기본값" 우선순위로 싱크 서버 설정을 구성합니다.
func LoadServerConfig(path string) (*ServerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}
	fc, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	fcs := fc.Server

	cfg := &ServerConfig{
		Listen:    normalizePort(getEnvOrDefault("HOP_REC_SINK_LISTEN", fcs.Listen), ":1080"),
		PublicURL: strings.TrimRight(getEnvOrDefault("HOP_REC_SINK_PUBLIC_URL", fcs.PublicURL), "/"),
		DataDir:   getEnvOrDefault("HOP_REC_SINK_DATA_DIR", orString(fcs.DataDir, "./data")),
		DBDriver:  strings.ToLower(getEnvOrDefault("HOP_REC_DB_DRIVER", orString(fcs.DBDriver, "sqlite"))),
		DBDSN:     getEnvOrDefault("HOP_REC_DB_DSN", fcs.DBDSN),
		Token:     getEnvOrDefault("HOP_REC_SINK_TOKEN", fcs.Token),
		Debug:     getEnvBool("HOP_REC_SINK_DEBUG", fcs.Debug),
		Logging:   loadLogging(fc),
	}

	maxChunk := fcs.MaxChunkBytes
	if maxChunk == 0 {
		maxChunk = DefaultMaxChunkBytes
	}
	n, err := getEnvInt("HOP_REC_SINK_MAX_CHUNK_BYTES", int(maxChunk))
	if err != nil {
		return nil, err
	}
	cfg.MaxChunkBytes = int64(n)

	if cfg.PublicURL == "" {
		if strings.HasPrefix(cfg.Listen, ":") {
			cfg.PublicURL = "http://localhost" + cfg.Listen
		} else {
			cfg.PublicURL = "http://" + cfg.Listen
		}
	}
	return cfg, nil
}

// normalizePort 는 숫자 포트만 지정된 경우 ":" prefix 를 붙입니다 (예: "80" -> ":80").
func normalizePort(p string, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if strings.HasPrefix(p, ":") {
		return p
	}
	// 숫자로만 구성된 경우 ":" prefix 를 붙입니다.
	if _, err := strconv.Atoi(p); err == nil {
		return ":" + p
	}
	return p
}
