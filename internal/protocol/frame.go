package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reliable frames are a 4-byte little-endian signed length header followed by
// the payload. Payloads longer than CompressThreshold bytes travel as the
// literal "ABG:" magic followed by the zlib-compressed remainder.
const (
	// CompressThreshold is the raw payload size above which frames are
	// compressed on the wire.
	CompressThreshold = 400

	// MaxFrameSize is the largest header value accepted from a peer.
	// Anything bigger is treated as hostile.
	MaxFrameSize = 100 << 20

	headerSize = 4
)

var abgMagic = []byte("ABG:")

var (
	// ErrFrameTooLarge reports a header above MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: header size limit exceeded")

	// ErrMalformedHeader reports a zero or negative header on a stream that
	// is still open.
	ErrMalformedHeader = errors.New("protocol: negative or zero frame header")
)

// EncodeFrame returns the on-wire representation of payload: the 4-byte
// length header followed by the (possibly compressed) body.
func EncodeFrame(payload []byte) ([]byte, error) {
	body := payload
	if len(payload) > CompressThreshold {
		var buf bytes.Buffer
		buf.Write(abgMagic)
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("protocol: init compressor: %w", err)
		}
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("protocol: compress frame: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("protocol: flush compressor: %w", err)
		}
		body = buf.Bytes()
	}

	out := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(out[:headerSize], uint32(int32(len(body))))
	copy(out[headerSize:], body)
	return out, nil
}

// WriteFrame frames payload and writes it to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) (int, error) {
	wire, err := EncodeFrame(payload)
	if err != nil {
		return 0, err
	}
	return w.Write(wire)
}

// ReadFrame reads one frame from r, blocking until the full header and the
// full body arrive. Returns io.EOF on orderly stream end at a frame boundary.
// The returned payload is already decompressed.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}

	size := int32(binary.LittleEndian.Uint32(hdr[:]))
	if size <= 0 {
		return nil, ErrMalformedHeader
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("protocol: read body: %w", err)
	}
	return decodeBody(body)
}

// DecodePayload decompresses an ABG-prefixed body; plain bodies pass through.
func DecodePayload(body []byte) ([]byte, error) {
	return decodeBody(body)
}

func decodeBody(body []byte) ([]byte, error) {
	if len(body) <= len(abgMagic) || !bytes.HasPrefix(body, abgMagic) {
		return body, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body[len(abgMagic):]))
	if err != nil {
		return nil, fmt.Errorf("protocol: open compressed frame: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("protocol: inflate frame: %w", err)
	}
	if len(out) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
