package vcompress

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccessUnit = []byte{
	0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f, // SPS
	0, 0, 1, 0x68, 0xce, 0x3c, 0x80, // PPS, 3-byte start code
	0, 0, 0, 1, 0x65, 0x88, 0x84, // IDR slice
}

func TestDetectVideoCodec(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want VideoCodec
	}{
		{"annex-b idr", []byte{0, 0, 0, 1, 0x65, 0x88}, VideoCodecH264},
		{"annex-b 3-byte sps", []byte{0, 0, 1, 0x67, 0x42}, VideoCodecH264},
		{"avcc", []byte{0, 0, 0, 4, 0x65, 1, 2, 3}, VideoCodecH264},
		{"garbage", []byte{1, 2, 3, 4, 5}, VideoCodecUnknown},
		{"short", []byte{0, 0}, VideoCodecUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectVideoCodec(tt.data))
		})
	}
}

func TestDetectAudioCodec(t *testing.T) {
	adts := []byte{0xFF, 0xF1, 0x50, 0x80, 0x02, 0x1F, 0xFC, 0x21}
	assert.Equal(t, AudioCodecAAC, DetectAudioCodec(adts))

	ogg := make([]byte, 36)
	copy(ogg, "OggS")
	copy(ogg[28:], "OpusHead")
	assert.Equal(t, AudioCodecOpus, DetectAudioCodec(ogg))

	assert.Equal(t, AudioCodecUnknown, DetectAudioCodec([]byte{1, 2, 3}))
}

func TestSplitAnnexB(t *testing.T) {
	nals, err := splitAnnexB(testAccessUnit)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		{0x67, 0x42, 0x00, 0x1f},
		{0x68, 0xce, 0x3c, 0x80},
		{0x65, 0x88, 0x84},
	}, nals)

	_, err = splitAnnexB([]byte{0, 0, 0, 3, 0x65, 1, 2})
	assert.Error(t, err)
}

func TestAnnexBToAVCC(t *testing.T) {
	out, err := annexBToAVCC(testAccessUnit, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3, 0x65, 0x88, 0x84}, out)

	out, err = annexBToAVCC(testAccessUnit, false)
	require.NoError(t, err)
	assert.Len(t, out, 3*4+4+4+3)
}

func TestAVCCToAnnexB(t *testing.T) {
	out, err := avccToAnnexB([]byte{0, 0, 0, 3, 0x65, 1, 2, 0, 0, 0, 1, 0x41}, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 1, 2, 0, 0, 0, 1, 0x41}, out)

	out, err = avccToAnnexB([]byte{0, 2, 0x65, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 1}, out)

	out, err = avccToAnnexB([]byte{1, 0x41}, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x41}, out)

	_, err = avccToAnnexB([]byte{0, 0, 0, 9, 0x65}, 4)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = avccToAnnexB([]byte{0, 0, 1, 0x65}, 3)
	assert.Error(t, err)
}

func TestParameterSets(t *testing.T) {
	sps, pps, err := parameterSets(
		[]byte{0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f},
		nil,
		[]byte{0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80},
	)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x67, 0x42, 0x00, 0x1f}}, sps)
	assert.Equal(t, [][]byte{{0x68, 0xce, 0x3c, 0x80}}, pps)
}

func TestStripADTS(t *testing.T) {
	noCRC := []byte{0xFF, 0xF1, 0x50, 0x80, 0x02, 0x1F, 0xFC, 0xAA, 0xBB}
	assert.Equal(t, []byte{0xAA, 0xBB}, stripADTS(noCRC))

	withCRC := []byte{0xFF, 0xF0, 0x50, 0x80, 0x02, 0x1F, 0xFC, 0x00, 0x00, 0xCC}
	assert.Equal(t, []byte{0xCC}, stripADTS(withCRC))

	raw := []byte{0x21, 0x10, 0x04}
	assert.Equal(t, raw, stripADTS(raw))
}

func TestAudioSpecificConfig(t *testing.T) {
	assert.Equal(t, []byte{0x12, 0x10}, audioSpecificConfig(aacProfileLC, 44100, 2))
	assert.Equal(t, []byte{0x11, 0x90}, audioSpecificConfig(0, 48000, 2))

	profile, rate, channels, err := parseAudioSpecificConfig([]byte{0x12, 0x08})
	require.NoError(t, err)
	assert.Equal(t, aacProfileLC, profile)
	assert.Equal(t, 44100, rate)
	assert.Equal(t, 1, channels)

	_, _, _, err = parseAudioSpecificConfig([]byte{0x12})
	assert.Error(t, err)
	_, _, _, err = parseAudioSpecificConfig([]byte{0x17, 0x80})
	assert.Error(t, err, "frequency index 15 needs an explicit rate")
}
