package media

import (
	"fmt"
	"strings"
	"time"
)

// 브라우저/플레이어가 까다롭게 구분하는 MIME 타입 선호 목록입니다.
var MimePreferences = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/mp4;codecs=avc1,opus",
}

// PickEncoding 은 supported 가 허용하는 첫 번째 선호 MIME 타입을 고릅니다.
// 아무것도 지원되지 않으면 목록의 마지막 값을 반환합니다.
func PickEncoding(supported func(mime string) bool) string {
	for _, m := range MimePreferences {
		if supported == nil || supported(m) {
			return m
		}
	}
	return MimePreferences[len(MimePreferences)-1]
}

// FileExtension 은 MIME 타입에 맞는 저장 파일 확장자를 반환합니다.
func FileExtension(mime string) string {
	base := strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])
	switch base {
	case "video/webm", "audio/webm":
		return ".webm"
	case "video/mp4", "audio/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}

// Resolution 은 녹화 해상도 프리셋입니다.
type Resolution string

const (
	Resolution1080p Resolution = "1080p"
	Resolution720p  Resolution = "720p"
)

// Dimensions 는 프리셋의 가로/세로 픽셀 수를 반환합니다.
func (r Resolution) Dimensions() (width, height int, err error) {
	switch r {
	case Resolution1080p:
		return 1920, 1080, nil
	case Resolution720p:
		return 1280, 720, nil
	default:
		return 0, 0, fmt.Errorf("unknown resolution %q", r)
	}
}

// 허용되는 프레임레이트입니다.
var Framerates = []int{24, 30, 60}

// RecordingMode 는 캡처할 입력을 나타내는 비트마스크입니다.
// 예: ModeCamera | ModeCameraAudio
type RecordingMode uint8

const (
	ModeCamera RecordingMode = 1 << iota
	ModeCameraAudio
	ModeScreen
	ModeScreenAudio
)

// DefaultRecordingMode 는 모든 입력을 캡처합니다.
const DefaultRecordingMode = ModeCamera | ModeCameraAudio | ModeScreen | ModeScreenAudio

func (m RecordingMode) Has(flag RecordingMode) bool { return m&flag != 0 }

func (m RecordingMode) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag RecordingMode
		name string
	}{
		{ModeCamera, "camera"},
		{ModeCameraAudio, "cameraAudio"},
		{ModeScreen, "screen"},
		{ModeScreenAudio, "screenAudio"},
	} {
		if m.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// BestBitrate 는 해상도와 프레임레이트로부터 목표 비디오 비트레이트를 계산합니다.
// 채널당 8bit, 3채널, 4:2:0 서브샘플링(0.5) 기준입니다.
func BestBitrate(width, height, fps int) int {
	const bitsPerChannel = 8
	const subsampling = 0.5
	return int(float64(width*height*bitsPerChannel*3*fps) * subsampling)
}

// Options 는 녹화기 인코딩/청크 설정입니다.
type Options struct {
	Timeslice          time.Duration // 청크 하나가 담는 시간 간격
	MimeType           string
	VideoBitsPerSecond int
	AudioBitsPerSecond int

	// ChunkBytes 는 청크 하나의 최대 크기입니다. 0 이면 비트레이트 x Timeslice 로 계산합니다.
	ChunkBytes int

	// Realtime 이 true 면 소스를 비트레이트 속도로 읽습니다(파일을 라이브 녹화처럼 재생).
	Realtime bool
}

// DefaultOptions 는 1초 청크, 8Mbps 비디오, 192kbps 오디오 설정입니다.
func DefaultOptions() Options {
	return Options{
		Timeslice:          time.Second,
		MimeType:           MimePreferences[0],
		VideoBitsPerSecond: 8000000,
		AudioBitsPerSecond: 192000,
	}
}

// BytesPerSecond 는 설정된 총 비트레이트를 바이트 단위로 환산합니다.
func (o Options) BytesPerSecond() int {
	return (o.VideoBitsPerSecond + o.AudioBitsPerSecond) / 8
}

func (o Options) chunkBytes() int {
	if o.ChunkBytes > 0 {
		return o.ChunkBytes
	}
	n := int(float64(o.BytesPerSecond()) * o.Timeslice.Seconds())
	if n <= 0 {
		return 64 * 1024
	}
	return n
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Timeslice <= 0 {
		o.Timeslice = def.Timeslice
	}
	if o.MimeType == "" {
		o.MimeType = def.MimeType
	}
	if o.VideoBitsPerSecond <= 0 {
		o.VideoBitsPerSecond = def.VideoBitsPerSecond
	}
	if o.AudioBitsPerSecond <= 0 {
		o.AudioBitsPerSecond = def.AudioBitsPerSecond
	}
	return o
}
