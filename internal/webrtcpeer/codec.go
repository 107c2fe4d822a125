package webrtcpeer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
)

// Encoder turns a raw frame into the payload written to a video track.
// Encode is called from the capture goroutine of the track it serves.
type Encoder interface {
	Encode(f media.Frame) ([]byte, error)
}

// Decoder turns one reassembled video sample back into a raw frame.
type Decoder interface {
	Decode(payload []byte) (media.Frame, error)
}

var ErrMalformedPayload = errors.New("webrtcpeer: malformed raw frame payload")

const rawHeaderLen = 4

// RawCodec carries uncompressed I420 frames behind a 4 byte header
// (big-endian uint16 width, uint16 height). It is negotiated as VP8 so the
// default RTP payloader and depacketizer can be used unchanged, which means
// it only interoperates with peers using RawCodec too.
type RawCodec struct{}

var (
	_ Encoder = RawCodec{}
	_ Decoder = RawCodec{}
)

func (RawCodec) Encode(f media.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Width > 0xffff || f.Height > 0xffff {
		return nil, fmt.Errorf("%w: %dx%d", media.ErrInvalidDimensions, f.Width, f.Height)
	}
	size := f.Size()
	out := make([]byte, rawHeaderLen+size)
	binary.BigEndian.PutUint16(out[0:2], uint16(f.Width))
	binary.BigEndian.PutUint16(out[2:4], uint16(f.Height))
	copy(out[rawHeaderLen:], f.Data[:size])
	return out, nil
}

func (RawCodec) Decode(payload []byte) (media.Frame, error) {
	if len(payload) < rawHeaderLen {
		return media.Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(payload))
	}
	f := media.Frame{
		Width:  int(binary.BigEndian.Uint16(payload[0:2])),
		Height: int(binary.BigEndian.Uint16(payload[2:4])),
		Format: media.PixelFormatI420,
	}
	body := payload[rawHeaderLen:]
	if f.Width == 0 || f.Height == 0 || len(body) != f.Size() {
		return media.Frame{}, fmt.Errorf("%w: %dx%d with %d bytes", ErrMalformedPayload, f.Width, f.Height, len(body))
	}
	f.Data = append([]byte(nil), body...)
	if err := f.Validate(); err != nil {
		return media.Frame{}, err
	}
	return f, nil
}
