package vcompress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

var annexBStartCode = []byte{0, 0, 0, 1}

// DetectVideoCodec guesses the codec of one raw access unit. Only the
// families a platform decoder is asked for are recognised.
func DetectVideoCodec(data []byte) VideoCodec {
	if len(data) < 4 {
		return VideoCodecUnknown
	}
	if isAnnexBStartCode(data) && isH264NALType(getNALType(data)) {
		return VideoCodecH264
	}
	if isAVCCFormat(data) {
		return VideoCodecH264
	}
	return VideoCodecUnknown
}

// DetectAudioCodec guesses the codec of one raw audio frame.
func DetectAudioCodec(data []byte) AudioCodec {
	switch {
	case isAACAdts(data):
		return AudioCodecAAC
	case len(data) >= 36 && string(data[0:4]) == "OggS" && string(data[28:36]) == "OpusHead":
		return AudioCodecOpus
	}
	return AudioCodecUnknown
}

// isAnnexBStartCode checks for a 3- or 4-byte Annex-B start code.
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// getNALType extracts the NAL unit type following the leading start code.
func getNALType(data []byte) byte {
	if len(data) < 4 {
		return 0
	}
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}

// isH264NALType reports whether t is a defined H.264 NAL unit type
// (ITU-T H.264 Table 7-1).
func isH264NALType(t byte) bool {
	return (t >= 1 && t <= 12) || (t >= 19 && t <= 21)
}

// isAVCCFormat checks for a plausible 4-byte big-endian length prefix.
func isAVCCFormat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	length := int(binary.BigEndian.Uint32(data))
	return length > 0 && length < len(data) && length < 10*1024*1024
}

// splitAnnexB returns the NAL units of an Annex-B buffer, header byte
// included and start codes removed.
func splitAnnexB(data []byte) ([][]byte, error) {
	if !isAnnexBStartCode(data) {
		return nil, errors.New("not an annex-b buffer")
	}
	r, err := h264reader.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var nals [][]byte
	for {
		nal, err := r.NextNAL()
		if errors.Is(err, io.EOF) {
			return nals, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse nal: %w", err)
		}
		if len(nal.Data) > 0 {
			nals = append(nals, nal.Data)
		}
	}
}

// annexBToAVCC rewrites an Annex-B access unit with 4-byte length prefixes.
// Parameter sets are dropped when dropParams is set; they travel in avcC.
func annexBToAVCC(data []byte, dropParams bool) ([]byte, error) {
	nals, err := splitAnnexB(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+4)
	for _, nal := range nals {
		t := h264reader.NalUnitType(nal[0] & 0x1F)
		if dropParams && (t == h264reader.NalUnitTypeSPS || t == h264reader.NalUnitTypePPS || t == h264reader.NalUnitTypeAUD) {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nal)))
		out = append(out, nal...)
	}
	return out, nil
}

// avccToAnnexB rewrites a length-prefixed access unit with start codes.
// lengthSize is the avcC NAL length field size (1, 2 or 4).
func avccToAnnexB(data []byte, lengthSize int) ([]byte, error) {
	out := make([]byte, 0, len(data)+8)
	for len(data) > 0 {
		if len(data) < lengthSize {
			return nil, io.ErrUnexpectedEOF
		}
		var n int
		switch lengthSize {
		case 1:
			n = int(data[0])
		case 2:
			n = int(binary.BigEndian.Uint16(data))
		case 4:
			n = int(binary.BigEndian.Uint32(data))
		default:
			return nil, fmt.Errorf("invalid nal length size %d", lengthSize)
		}
		data = data[lengthSize:]
		if n > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		out = append(out, annexBStartCode...)
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return out, nil
}

// withStartCode prefixes a bare NAL unit with a start code.
func withStartCode(nal []byte) []byte {
	return append(append([]byte(nil), annexBStartCode...), nal...)
}

// parameterSets extracts SPS and PPS NAL units from Annex-B buffers such as
// a Format's csd-0/csd-1.
func parameterSets(bufs ...[]byte) (sps, pps [][]byte, err error) {
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		nals, err := splitAnnexB(b)
		if err != nil {
			return nil, nil, err
		}
		for _, nal := range nals {
			switch h264reader.NalUnitType(nal[0] & 0x1F) {
			case h264reader.NalUnitTypeSPS:
				sps = append(sps, nal)
			case h264reader.NalUnitTypePPS:
				pps = append(pps, nal)
			}
		}
	}
	return sps, pps, nil
}

// isAACAdts checks for an ADTS header: 0xFFF syncword and layer 0.
func isAACAdts(data []byte) bool {
	if len(data) < 7 {
		return false
	}
	if data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return false
	}
	return (data[1]>>1)&0x03 == 0
}

// stripADTS returns the raw AAC payload of an ADTS frame, or data unchanged
// when it carries no ADTS header.
func stripADTS(data []byte) []byte {
	if !isAACAdts(data) {
		return data
	}
	headerLen := 7
	if data[1]&0x01 == 0 { // protection_absent == 0: CRC follows
		headerLen = 9
	}
	if len(data) < headerLen {
		return data
	}
	return data[headerLen:]
}

var aacSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

// audioSpecificConfig builds a two-byte AAC AudioSpecificConfig.
func audioSpecificConfig(profile, sampleRate, channels int) []byte {
	idx := 15
	for i, r := range aacSampleRates {
		if r == sampleRate {
			idx = i
			break
		}
	}
	if profile <= 0 {
		profile = aacProfileLC
	}
	return []byte{
		byte(profile<<3) | byte(idx>>1),
		byte(idx&1)<<7 | byte(channels&0x0F)<<3,
	}
}

// parseAudioSpecificConfig reads profile, sample rate and channel count.
func parseAudioSpecificConfig(asc []byte) (profile, sampleRate, channels int, err error) {
	if len(asc) < 2 {
		return 0, 0, 0, errors.New("short audio specific config")
	}
	profile = int(asc[0] >> 3)
	idx := int(asc[0]&0x07)<<1 | int(asc[1]>>7)
	if idx >= len(aacSampleRates) {
		return 0, 0, 0, fmt.Errorf("unsupported sampling frequency index %d", idx)
	}
	channels = int(asc[1]>>3) & 0x0F
	return profile, aacSampleRates[idx], channels, nil
}
