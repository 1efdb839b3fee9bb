package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	STX byte = 0x02
	ETX byte = 0x03
	FS  byte = 0xFC
)

var (
	ErrShortFrame      = errors.New("frame: short frame")
	ErrMissingSTX      = errors.New("frame: missing stx")
	ErrMissingETX      = errors.New("frame: missing etx")
	ErrChecksum        = errors.New("frame: lrc mismatch")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrReservedByte    = errors.New("frame: payload contains stx/etx")
)

// Frame is one STX..ETX message with its trailing longitudinal redundancy check.
type Frame struct {
	Payload []byte
	LRC     byte
}

// Fields splits the payload on the field separator, dropping the empty
// leading and trailing segments produced by the separators that wrap every field.
func (f Frame) Fields() []string {
	parts := bytes.Split(f.Payload, []byte{FS})
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if len(p) == 0 && (i == 0 || i == len(parts)-1) {
			continue
		}
		out = append(out, string(p))
	}
	return out
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 4 * 1024,
	}
}

// LRC is the XOR of every byte in b.
func LRC(b []byte) byte {
	var out byte
	for _, c := range b {
		out ^= c
	}
	return out
}

// Encode wraps payload as STX payload ETX LRC; the checksum covers STX through ETX.
func Encode(payload []byte, limits Limits) ([]byte, error) {
	if limits.MaxPayloadBytes > 0 && len(payload) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	if bytes.IndexByte(payload, STX) >= 0 || bytes.IndexByte(payload, ETX) >= 0 {
		return nil, ErrReservedByte
	}
	out := make([]byte, 0, len(payload)+3)
	out = append(out, STX)
	out = append(out, payload...)
	out = append(out, ETX)
	out = append(out, LRC(out))
	return out, nil
}

// Decode parses exactly one encoded frame.
func Decode(b []byte) (Frame, error) {
	if len(b) < 3 {
		return Frame{}, ErrShortFrame
	}
	if b[0] != STX {
		return Frame{}, ErrMissingSTX
	}
	if b[len(b)-2] != ETX {
		return Frame{}, ErrMissingETX
	}
	body := b[:len(b)-1]
	if want := LRC(body); want != b[len(b)-1] {
		return Frame{}, fmt.Errorf("%w: got=%#02x want=%#02x", ErrChecksum, b[len(b)-1], want)
	}
	payload := make([]byte, len(b)-3)
	copy(payload, b[1:len(b)-2])
	return Frame{Payload: payload, LRC: b[len(b)-1]}, nil
}

// ReadFrame reads the next frame from r. Bytes before STX are discarded and a
// second STX before ETX restarts the frame.
func ReadFrame(r *bufio.Reader, limits Limits) (Frame, error) {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if c == STX {
			break
		}
	}

	payload := make([]byte, 0, 256)
	for {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		switch c {
		case STX:
			payload = payload[:0]
			continue
		case ETX:
		default:
			if limits.MaxPayloadBytes > 0 && len(payload) >= limits.MaxPayloadBytes {
				return Frame{}, ErrPayloadTooLarge
			}
			payload = append(payload, c)
			continue
		}
		break
	}

	lrc, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	want := STX ^ LRC(payload) ^ ETX
	if lrc != want {
		return Frame{}, fmt.Errorf("%w: got=%#02x want=%#02x", ErrChecksum, lrc, want)
	}
	return Frame{Payload: payload, LRC: lrc}, nil
}
