package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/terrarover/pkg/types"
)

const bitsPerSample = 16

// ErrInvalidWAV is returned by [DecodeWAV] for anything that is not a
// 16-bit PCM RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid wav")

// EncodeWAV wraps the clip's PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(clip types.AudioClip) []byte {
	byteRate := clip.SampleRate * clip.Channels * bitsPerSample / 8
	blockAlign := clip.Channels * bitsPerSample / 8
	size := len(clip.Data)

	buf := make([]byte, 44+size)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(clip.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(clip.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[44:], clip.Data)
	return buf
}

// DecodeWAV parses a RIFF/WAVE file holding 16-bit PCM. Chunks other than
// "fmt " and "data" (LIST, fact, ...) are skipped. A data chunk whose declared
// size runs past the end of b is truncated to what is present, which is what
// streaming recorders produce when they never patch the header.
func DecodeWAV(b []byte) (types.AudioClip, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return types.AudioClip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		clip    types.AudioClip
		haveFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return types.AudioClip{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format := binary.LittleEndian.Uint16(b[body:])
			clip.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			bits := binary.LittleEndian.Uint16(b[body+14:])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE; its sub-format is not checked.
			if (format != 1 && format != 0xFFFE) || bits != bitsPerSample {
				return types.AudioClip{}, fmt.Errorf("%w: format %d with %d bits, want 16-bit PCM", ErrInvalidWAV, format, bits)
			}
			if clip.Channels <= 0 || clip.SampleRate <= 0 {
				return types.AudioClip{}, fmt.Errorf("%w: %dHz/%dch", ErrInvalidWAV, clip.SampleRate, clip.Channels)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return types.AudioClip{}, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			end := min(body+size, len(b))
			data := b[body:end]
			frame := 2 * clip.Channels
			clip.Data = data[:len(data)/frame*frame]
			return clip, nil
		}

		off = body + size
		if size%2 == 1 {
			off++ // chunks are word aligned
		}
	}
	return types.AudioClip{}, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}
