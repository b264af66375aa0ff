package vcompress

import (
	"testing"
)

func TestVideoCodec_String(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "VP8"},
		{VideoCodecVP9, "VP9"},
		{VideoCodecH264, "H264"},
		{VideoCodecH265, "H265"},
		{VideoCodecAV1, "AV1"},
		{VideoCodecUnknown, "Unknown"},
		{VideoCodec(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.want {
				t.Errorf("VideoCodec.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVideoCodec_MimeType(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "video/x-vnd.on2.vp8"},
		{VideoCodecVP9, "video/x-vnd.on2.vp9"},
		{VideoCodecH264, "video/avc"},
		{VideoCodecH265, "video/hevc"},
		{VideoCodecAV1, "video/av01"},
		{VideoCodecUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.MimeType(); got != tt.want {
				t.Errorf("VideoCodec.MimeType() = %v, want %v", got, tt.want)
			}
			if tt.want == "" {
				return
			}
			if got := VideoCodecFromMIME(tt.want); got != tt.codec {
				t.Errorf("VideoCodecFromMIME(%q) = %v, want %v", tt.want, got, tt.codec)
			}
		})
	}
}

func TestVideoCodecFromMIME_CaseInsensitive(t *testing.T) {
	if got := VideoCodecFromMIME("VIDEO/AVC"); got != VideoCodecH264 {
		t.Errorf("VideoCodecFromMIME() = %v, want H264", got)
	}
	if got := VideoCodecFromMIME("video/mp4v-es"); got != VideoCodecUnknown {
		t.Errorf("VideoCodecFromMIME() = %v, want Unknown", got)
	}
}

func TestAudioCodec_String(t *testing.T) {
	tests := []struct {
		codec AudioCodec
		want  string
	}{
		{AudioCodecOpus, "Opus"},
		{AudioCodecAAC, "AAC"},
		{AudioCodecUnknown, "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.want {
				t.Errorf("AudioCodec.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAudioCodec_MimeType(t *testing.T) {
	tests := []struct {
		codec AudioCodec
		want  string
	}{
		{AudioCodecOpus, "audio/opus"},
		{AudioCodecAAC, "audio/mp4a-latm"},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.MimeType(); got != tt.want {
				t.Errorf("AudioCodec.MimeType() = %v, want %v", got, tt.want)
			}
			if got := AudioCodecFromMIME(tt.want); got != tt.codec {
				t.Errorf("AudioCodecFromMIME(%q) = %v, want %v", tt.want, got, tt.codec)
			}
		})
	}
	if got := AudioCodecFromMIME(MIMEAudioRaw); got != AudioCodecUnknown {
		t.Errorf("AudioCodecFromMIME(raw) = %v, want Unknown", got)
	}
}

func TestTrackKindFromMIME(t *testing.T) {
	if !isVideoMIME("Video/AVC") || isVideoMIME(MIMEAudioAAC) {
		t.Error("isVideoMIME misclassified")
	}
	if !isAudioMIME(MIMEAudioRaw) || isAudioMIME(MIMEVideoVP9) {
		t.Error("isAudioMIME misclassified")
	}
}
