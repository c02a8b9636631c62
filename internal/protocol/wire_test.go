package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"testing"
)

func mustParseIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		panic("bad test fixture IP: " + s)
	}
	return ip
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Command:     NewCommand("version"),
		PayloadSize: 12345,
		Checksum:    [4]byte{0x01, 0x02, 0x03, 0x04},
	}
	parsed, err := ParseHeader(SerializeHeader(h))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, h)
	}
}

func TestParseHeaderWrongMagic(t *testing.T) {
	b := SerializeHeader(Header{Command: NewCommand("verack")})
	b[0] ^= 0xff
	_, err := ParseHeader(b)
	var wm *ErrWrongMagic
	if !errorsAs(err, &wm) {
		t.Fatalf("expected *ErrWrongMagic, got %v", err)
	}
}

func TestCommandName(t *testing.T) {
	h := Header{Command: NewCommand("ping")}
	if got := h.CommandName(); got != "ping" {
		t.Fatalf("CommandName() = %q, want %q", got, "ping")
	}

	var full [12]byte
	for i := range full {
		full[i] = 'x'
	}
	h2 := Header{Command: full}
	if got := h2.CommandName(); got != "xxxxxxxxxxxx" {
		t.Fatalf("CommandName() = %q, want 12 x's", got)
	}
}

func TestVerackPacketFixture(t *testing.T) {
	packet := NewPacket("verack", []byte{})
	wantCmd := []byte{0x76, 0x65, 0x72, 0x61, 0x63, 0x6B, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(packet.Header.Command[:], wantCmd) {
		t.Fatalf("command = % x, want % x", packet.Header.Command[:], wantCmd)
	}
	if packet.Header.PayloadSize != 0 {
		t.Fatalf("payload size = %d, want 0", packet.Header.PayloadSize)
	}
	wantChecksum, _ := hex.DecodeString("5DF6E0E2")
	if !bytes.EqualFold(packet.Header.Checksum[:], wantChecksum) {
		t.Fatalf("checksum = % X, want % X", packet.Header.Checksum[:], wantChecksum)
	}
}

func TestPacketChecksumInvariant(t *testing.T) {
	payload := []byte("some arbitrary payload bytes")
	packet := NewPacket("inv", payload)
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	if !bytes.Equal(packet.Header.Checksum[:], h2[:4]) {
		t.Fatalf("checksum mismatch")
	}
}

func TestPacketFromHeaderPayloadDetectsTampering(t *testing.T) {
	packet := NewPacket("ping", []byte{1, 2, 3, 4, 5, 6, 7, 8})
	_, err := PacketFromHeaderPayload(packet.Header, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	if err != ErrInvalidChecksum {
		t.Fatalf("expected ErrInvalidChecksum, got %v", err)
	}
}

func TestVarIntBoundaries(t *testing.T) {
	cases := []struct {
		value uint64
		want  []byte
	}{
		{0xFC, []byte{0xFC}},
		{0xFD, []byte{0xFD, 0xFD, 0x00}},
		{0x10000, []byte{0xFE, 0x00, 0x00, 0x01, 0x00}},
	}
	for _, c := range cases {
		buf := new(bytes.Buffer)
		WriteVarInt(buf, c.value)
		if !bytes.Equal(buf.Bytes(), c.want) {
			t.Errorf("WriteVarInt(%d) = % X, want % X", c.value, buf.Bytes(), c.want)
		}
		got, err := ReadVarInt(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadVarInt: %v", err)
		}
		if got != c.value {
			t.Errorf("ReadVarInt round trip = %d, want %d", got, c.value)
		}
	}
}

func TestIPAddrIPv4Mapped(t *testing.T) {
	buf := new(bytes.Buffer)
	WriteIPAddr(buf, mustParseIP("1.2.3.4"))
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 1, 2, 3, 4}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("IPv4-mapped encoding = % x, want % x", buf.Bytes(), want)
	}
	ip, err := ReadIPAddr(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadIPAddr: %v", err)
	}
	if ip.To4() == nil || ip.String() != "1.2.3.4" {
		t.Fatalf("round trip IP = %v, want 1.2.3.4", ip)
	}
}

func errorsAs(err error, target **ErrWrongMagic) bool {
	if e, ok := err.(*ErrWrongMagic); ok {
		*target = e
		return true
	}
	return false
}
