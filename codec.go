package vcompress

import "strings"

// Platform MIME types understood by hardware codecs and the container layer.
const (
	MIMEVideoAVC  = "video/avc"
	MIMEVideoHEVC = "video/hevc"
	MIMEVideoVP8  = "video/x-vnd.on2.vp8"
	MIMEVideoVP9  = "video/x-vnd.on2.vp9"
	MIMEVideoAV1  = "video/av01"
	MIMEAudioAAC  = "audio/mp4a-latm"
	MIMEAudioOpus = "audio/opus"
	MIMEAudioRaw  = "audio/raw"
)

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecH265
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the platform MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return MIMEVideoVP8
	case VideoCodecVP9:
		return MIMEVideoVP9
	case VideoCodecH264:
		return MIMEVideoAVC
	case VideoCodecH265:
		return MIMEVideoHEVC
	case VideoCodecAV1:
		return MIMEVideoAV1
	default:
		return ""
	}
}

// VideoCodecFromMIME maps a platform MIME type back to a VideoCodec.
func VideoCodecFromMIME(mime string) VideoCodec {
	switch strings.ToLower(mime) {
	case MIMEVideoVP8:
		return VideoCodecVP8
	case MIMEVideoVP9:
		return VideoCodecVP9
	case MIMEVideoAVC:
		return VideoCodecH264
	case MIMEVideoHEVC:
		return VideoCodecH265
	case MIMEVideoAV1:
		return VideoCodecAV1
	default:
		return VideoCodecUnknown
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecOpus
	AudioCodecAAC
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecOpus:
		return "Opus"
	case AudioCodecAAC:
		return "AAC"
	default:
		return "Unknown"
	}
}

// MimeType returns the platform MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecOpus:
		return MIMEAudioOpus
	case AudioCodecAAC:
		return MIMEAudioAAC
	default:
		return ""
	}
}

// AudioCodecFromMIME maps a platform MIME type back to an AudioCodec.
func AudioCodecFromMIME(mime string) AudioCodec {
	switch strings.ToLower(mime) {
	case MIMEAudioOpus:
		return AudioCodecOpus
	case MIMEAudioAAC:
		return AudioCodecAAC
	default:
		return AudioCodecUnknown
	}
}

// Output codecs. The engine always produces H.264 video and AAC-LC audio.
const (
	outputVideoCodec = VideoCodecH264
	outputAudioCodec = AudioCodecAAC

	aacProfileLC = 2
)

func isVideoMIME(mime string) bool { return strings.HasPrefix(strings.ToLower(mime), "video/") }
func isAudioMIME(mime string) bool { return strings.HasPrefix(strings.ToLower(mime), "audio/") }
