package media

import (
	"path/filepath"
	"strings"

	"github.com/pion/webrtc/v3"
)

// CodecType represents a media codec
type CodecType string

const (
	CodecVP8  CodecType = "vp8"
	CodecVP9  CodecType = "vp9"
	CodecH264 CodecType = "h264"
	CodecOpus CodecType = "opus"
)

// MimeType returns the RTP mime type for the codec
func (c CodecType) MimeType() string {
	switch c {
	case CodecVP9:
		return webrtc.MimeTypeVP9
	case CodecH264:
		return webrtc.MimeTypeH264
	case CodecOpus:
		return webrtc.MimeTypeOpus
	default:
		return webrtc.MimeTypeVP8
	}
}

// Kind returns whether the codec carries audio or video
func (c CodecType) Kind() webrtc.RTPCodecType {
	if c == CodecOpus {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// ParseCodecFlag parses the --codec flag value. Unknown values fall back to VP8.
func ParseCodecFlag(value string) CodecType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "vp9":
		return CodecVP9
	case "h264", "h.264", "avc":
		return CodecH264
	case "opus":
		return CodecOpus
	default:
		return CodecVP8
	}
}

// CodecFromMime maps an RTP mime type back to a codec
func CodecFromMime(mime string) CodecType {
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypeVP9):
		return CodecVP9
	case strings.ToLower(webrtc.MimeTypeH264):
		return CodecH264
	case strings.ToLower(webrtc.MimeTypeOpus):
		return CodecOpus
	default:
		return CodecVP8
	}
}

// IsFileSource reports whether path has a container PlayIVF or PlayOgg reads
func IsFileSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ivf", ".ogg", ".opus":
		return true
	}
	return false
}
