package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("A"),
		[]byte("VC2.0"),
		bytes.Repeat([]byte("x"), 399),
		bytes.Repeat([]byte("x"), 400),
		bytes.Repeat([]byte("x"), 401),
		bytes.Repeat([]byte("Os:USER:nick:0-0:{\"jbm\":\"pickup\"}"), 64),
	}
	for _, p := range payloads {
		wire, err := EncodeFrame(p)
		if err != nil {
			t.Fatalf("encode %d bytes: %v", len(p), err)
		}
		got, err := ReadFrame(bytes.NewReader(wire))
		if err != nil {
			t.Fatalf("decode %d bytes: %v", len(p), err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch for %d byte payload", len(p))
		}
	}
}

func TestCompressionBoundary(t *testing.T) {
	// 400 bytes is sent raw: header 0x00000190 little-endian, no magic.
	raw, err := EncodeFrame(bytes.Repeat([]byte("A"), 400))
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x90, 0x01, 0x00, 0x00}; !bytes.Equal(raw[:4], want) {
		t.Fatalf("header = % x, want % x", raw[:4], want)
	}
	if bytes.HasPrefix(raw[4:], []byte("ABG:")) {
		t.Fatal("400 byte payload must not be compressed")
	}
	if len(raw) != 404 {
		t.Fatalf("wire length = %d, want 404", len(raw))
	}

	// 401 bytes crosses the threshold: body starts with the magic and the
	// header covers magic + compressed stream.
	packed, err := EncodeFrame(bytes.Repeat([]byte("A"), 401))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(packed[4:], []byte("ABG:")) {
		t.Fatal("401 byte payload must carry the ABG: magic")
	}
	size := int32(binary.LittleEndian.Uint32(packed[:4]))
	if int(size) != len(packed)-4 {
		t.Fatalf("header %d does not match body length %d", size, len(packed)-4)
	}
}

func TestReadFrameMalformedHeader(t *testing.T) {
	zero := []byte{0x00, 0x00, 0x00, 0x00}
	if _, err := ReadFrame(bytes.NewReader(zero)); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("zero header: got %v, want ErrMalformedHeader", err)
	}
	negative := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(negative)); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("negative header: got %v, want ErrMalformedHeader", err)
	}
}

func TestReadFrameHostileHeader(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(MaxFrameSize+1))
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameOrderlyClose(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("empty stream: got %v, want io.EOF", err)
	}
}

func TestReadFrameShortReads(t *testing.T) {
	payload := bytes.Repeat([]byte("q"), 1000)
	wire, err := EncodeFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	// One byte at a time forces the reader to loop.
	got, err := ReadFrame(iotest{r: bytes.NewReader(wire)})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("short-read round trip mismatch")
	}
}

type iotest struct{ r io.Reader }

func (s iotest) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return s.r.Read(p)
}

func TestParseIDPair(t *testing.T) {
	cases := []struct {
		in         string
		slot, car int
	}{
		{"Od:3-1", 3, 1},
		{"Os:USER:player:12-4:{\"jbm\":\"van\"}", 12, 4},
		{"Or:0-0:stuff", 0, 0},
		{"Oc:nick:7-20:{}", 7, 20},
		{"Od:junk", -1, -1},
		{"Od", -1, -1},
		{"Od:-1", -1, -1},
		{"Od:5-", -1, -1},
	}
	for _, c := range cases {
		slot, car := ParseIDPair(c.in)
		if slot != c.slot || car != c.car {
			t.Errorf("ParseIDPair(%q) = (%d,%d), want (%d,%d)", c.in, slot, car, c.slot, c.car)
		}
	}
}

func TestSlotFromDatagram(t *testing.T) {
	if got := SlotFromDatagram([]byte{5, 0, 'Z'}); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
	if got := SlotFromDatagram(nil); got != -1 {
		t.Fatalf("empty datagram: got %d, want -1", got)
	}
}
