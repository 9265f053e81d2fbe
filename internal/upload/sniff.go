package upload

import "encoding/binary"

// sniffDimensions inspects format-specific headers to extract image width
// and height without a full decode. Unrecognized formats report 1x1 so an
// upload never fails on metadata alone.
func sniffDimensions(data []byte) (width, height int) {
	if w, h, ok := sniffPNG(data); ok {
		return w, h
	}
	if w, h, ok := sniffJPEG(data); ok {
		return w, h
	}
	if w, h, ok := sniffWEBP(data); ok {
		return w, h
	}
	return 1, 1
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// sniffPNG reads the IHDR chunk: big-endian width and height at fixed
// offsets right after the chunk name.
func sniffPNG(data []byte) (int, int, bool) {
	if len(data) < 24 {
		return 0, 0, false
	}
	for i, b := range pngSignature {
		if data[i] != b {
			return 0, 0, false
		}
	}
	if string(data[12:16]) != "IHDR" {
		return 0, 0, false
	}
	w := int(binary.BigEndian.Uint32(data[16:20]))
	h := int(binary.BigEndian.Uint32(data[20:24]))
	return w, h, true
}

// sniffJPEG walks segment markers until a start-of-frame is found.
func sniffJPEG(data []byte) (int, int, bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, 0, false
	}
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			i++
			continue
		}
		marker := data[i+1]
		// Standalone markers carry no length.
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 || marker == 0xFF {
			i += 2
			continue
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if isSOFMarker(marker) {
			if i+9 > len(data) {
				return 0, 0, false
			}
			h := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			w := int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			return w, h, true
		}
		i += 2 + length
	}
	return 0, 0, false
}

// isSOFMarker reports whether marker is a start-of-frame variant (C0-CF
// excluding the huffman/arithmetic table markers C4, C8, CC).
func isSOFMarker(marker byte) bool {
	if marker < 0xC0 || marker > 0xCF {
		return false
	}
	return marker != 0xC4 && marker != 0xC8 && marker != 0xCC
}

// sniffWEBP reads the VP8X extended header: 24-bit little-endian minus-one
// canvas dimensions.
func sniffWEBP(data []byte) (int, int, bool) {
	if len(data) < 30 {
		return 0, 0, false
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return 0, 0, false
	}
	if string(data[12:16]) != "VP8X" {
		return 0, 0, false
	}
	w := int(uint32(data[24]) | uint32(data[25])<<8 | uint32(data[26])<<16)
	h := int(uint32(data[27]) | uint32(data[28])<<8 | uint32(data[29])<<16)
	return w + 1, h + 1, true
}
