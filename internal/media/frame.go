package media

import (
	"errors"
	"fmt"
	"time"
)

type Kind uint8

const (
	KindAudio Kind = iota + 1
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Direction tags which side of the call a track or bridge belongs to.
type Direction uint8

const (
	DirectionLocal Direction = iota + 1
	DirectionRemote
)

func (d Direction) String() string {
	switch d {
	case DirectionLocal:
		return "local"
	case DirectionRemote:
		return "remote"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

type PixelFormat string

// PixelFormatI420 is planar YUV 4:2:0: a full resolution Y plane followed by
// quarter resolution U and V planes.
const PixelFormatI420 PixelFormat = "I420"

const I420BitsPerPixel = 12

var (
	ErrInvalidDimensions = errors.New("media: invalid frame dimensions")
	ErrShortPlane        = errors.New("media: plane shorter than dimensions require")
)

// Frame is a decoded video picture.
type Frame struct {
	Width  int
	Height int
	Format PixelFormat
	// Data holds the packed planes with no row padding.
	Data []byte
	// Timestamp is optional; zero means unknown.
	Timestamp time.Duration
}

// I420Size returns the packed I420 size for a width x height picture.
func I420Size(width, height int) int {
	return width * height * I420BitsPerPixel / 8
}

func (f Frame) Size() int {
	return I420Size(f.Width, f.Height)
}

func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Width%2 != 0 || f.Height%2 != 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, f.Width, f.Height)
	}
	if f.Format != PixelFormatI420 {
		return fmt.Errorf("media: unsupported pixel format %q", f.Format)
	}
	if len(f.Data) < f.Size() {
		return fmt.Errorf("%w: have %d bytes, want %d", ErrShortPlane, len(f.Data), f.Size())
	}
	return nil
}

// NewI420Frame packs three strided planes into a new Frame. The planes are
// copied, so the caller may reuse them once this returns.
func NewI420Frame(width, height int, y, u, v []byte, strideY, strideU, strideV int, ts time.Duration) (Frame, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return Frame{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	cw, ch := width/2, height/2
	if strideY < width || strideU < cw || strideV < cw {
		return Frame{}, fmt.Errorf("media: stride smaller than row width")
	}
	if len(y) < strideY*(height-1)+width ||
		len(u) < strideU*(ch-1)+cw ||
		len(v) < strideV*(ch-1)+cw {
		return Frame{}, ErrShortPlane
	}

	data := make([]byte, I420Size(width, height))
	off := 0
	off += copyPlane(data[off:], y, width, height, strideY)
	off += copyPlane(data[off:], u, cw, ch, strideU)
	copyPlane(data[off:], v, cw, ch, strideV)

	return Frame{
		Width:     width,
		Height:    height,
		Format:    PixelFormatI420,
		Data:      data,
		Timestamp: ts,
	}, nil
}

func copyPlane(dst, src []byte, w, h, stride int) int {
	for row := 0; row < h; row++ {
		copy(dst[row*w:(row+1)*w], src[row*stride:row*stride+w])
	}
	return w * h
}
