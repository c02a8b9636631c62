// Package protocol implements the Bitcoin-Cash-family wire format: the
// 24-byte frame header, the variable-length integer/string encodings,
// and the small set of control messages the peer session itself must
// encode or decode (version, verack, ping, pong, inv, getdata,
// filterload).
package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Network magic for the target chain's mainnet.
var Magic = [4]byte{0xE3, 0xE1, 0xF3, 0xE8}

// HeaderSize is the fixed size of a message header in bytes.
const HeaderSize = 4 + 12 + 4 + 4

// Message-layer errors (spec.md §7, "Message layer").
var (
	ErrIO                     = errors.New("protocol: truncated or malformed data")
	ErrInvalidChecksum        = errors.New("protocol: invalid checksum")
	ErrInvalidNetworkServices = errors.New("protocol: invalid network services bitfield")
)

// ErrWrongMagic is returned when a header's magic does not match Magic.
// It carries the offending bytes for diagnostics, as spec.md requires.
type ErrWrongMagic struct {
	Got [4]byte
}

func (e *ErrWrongMagic) Error() string {
	return fmt.Sprintf("protocol: wrong magic: got % x, want % x", e.Got, Magic)
}

// Header is the 24-byte frame header preceding every payload.
type Header struct {
	Command     [12]byte
	PayloadSize uint32
	Checksum    [4]byte
}

// CommandName returns the logical command name: the command field up to
// its first zero byte, or the full 12 bytes if there is none.
func (h Header) CommandName() string {
	n := bytes.IndexByte(h.Command[:], 0)
	if n < 0 {
		n = len(h.Command)
	}
	return string(h.Command[:n])
}

// NewCommand builds a 12-byte, zero-padded command field from name.
// name must be no more than 12 ASCII bytes.
func NewCommand(name string) [12]byte {
	var cmd [12]byte
	copy(cmd[:], name)
	return cmd
}

// SerializeHeader writes magic, command, payload size, and checksum in
// wire order.
func SerializeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	copy(buf[4:16], h.Command[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadSize)
	copy(buf[20:24], h.Checksum[:])
	return buf
}

// ParseHeader parses exactly HeaderSize bytes into a Header. It fails
// with *ErrWrongMagic if the magic does not match.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrIO
	}
	var magic [4]byte
	copy(magic[:], b[0:4])
	if magic != Magic {
		return Header{}, &ErrWrongMagic{Got: magic}
	}
	var h Header
	copy(h.Command[:], b[4:16])
	h.PayloadSize = binary.LittleEndian.Uint32(b[16:20])
	copy(h.Checksum[:], b[20:24])
	return h, nil
}

// Packet is a complete frame: header plus a payload whose length equals
// header.PayloadSize and whose checksum has been validated.
type Packet struct {
	Header  Header
	Payload []byte
}

// doubleSHA256 returns SHA256(SHA256(data)).
func doubleSHA256(data []byte) [32]byte {
	h1 := sha256.Sum256(data)
	return sha256.Sum256(h1[:])
}

// checksum4 returns the first four bytes of the double-SHA-256 of data.
func checksum4(data []byte) [4]byte {
	h := doubleSHA256(data)
	var c [4]byte
	copy(c[:], h[:4])
	return c
}

// NewPacket builds a packet from a command and payload, computing its
// own checksum. This is the send path: it never revalidates, so it is
// O(1) in header size.
func NewPacket(command string, payload []byte) Packet {
	return Packet{
		Header: Header{
			Command:     NewCommand(command),
			PayloadSize: uint32(len(payload)),
			Checksum:    checksum4(payload),
		},
		Payload: payload,
	}
}

// PacketFromHeaderPayload builds a packet from an already-parsed header
// and payload, verifying the header's checksum against the payload.
func PacketFromHeaderPayload(h Header, payload []byte) (Packet, error) {
	if checksum4(payload) != h.Checksum {
		return Packet{}, ErrInvalidChecksum
	}
	return Packet{Header: h, Payload: payload}, nil
}

// Bytes serialises the full wire frame: header followed by payload.
func (p Packet) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(p.Payload))
	out = append(out, SerializeHeader(p.Header)...)
	out = append(out, p.Payload...)
	return out
}

// Command returns the packet's logical command name.
func (p Packet) Command() string { return p.Header.CommandName() }

// --- variable-length integer / string ---

// WriteVarInt appends value in standard var-int form: one byte if
// < 0xFD, 0xFD+u16 if <= 0xFFFF, 0xFE+u32 if <= 0xFFFFFFFF, else
// 0xFF+u64, all little-endian.
func WriteVarInt(buf *bytes.Buffer, value uint64) {
	switch {
	case value < 0xfd:
		buf.WriteByte(byte(value))
	case value <= 0xffff:
		buf.WriteByte(0xfd)
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(value))
		buf.Write(tmp[:])
	case value <= 0xffffffff:
		buf.WriteByte(0xfe)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(value))
		buf.Write(tmp[:])
	default:
		buf.WriteByte(0xff)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], value)
		buf.Write(tmp[:])
	}
}

// ReadVarInt reads a var-int from r.
func ReadVarInt(r io.Reader) (uint64, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, ErrIO
	}
	switch prefix[0] {
	case 0xff:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return 0, ErrIO
		}
		return binary.LittleEndian.Uint64(tmp[:]), nil
	case 0xfe:
		var tmp [4]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return 0, ErrIO
		}
		return uint64(binary.LittleEndian.Uint32(tmp[:])), nil
	case 0xfd:
		var tmp [2]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return 0, ErrIO
		}
		return uint64(binary.LittleEndian.Uint16(tmp[:])), nil
	default:
		return uint64(prefix[0]), nil
	}
}

// WriteVarString appends a var-int length prefix followed by the raw
// bytes of s (no null terminator, no charset interpretation).
func WriteVarString(buf *bytes.Buffer, s []byte) {
	WriteVarInt(buf, uint64(len(s)))
	buf.Write(s)
}

// ReadVarString reads a var-string from r.
func ReadVarString(r io.Reader) ([]byte, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ErrIO
	}
	return out, nil
}

// --- IP address field ---

// WriteIPAddr appends the 16-byte IPv6-mapped form of ip: IPv4 addresses
// are encoded as ::ffff:a.b.c.d, IPv6 addresses use their native form.
func WriteIPAddr(buf *bytes.Buffer, ip net.IP) {
	var out [16]byte
	if v4 := ip.To4(); v4 != nil {
		out[10] = 0xff
		out[11] = 0xff
		copy(out[12:16], v4)
	} else if v6 := ip.To16(); v6 != nil {
		copy(out[:], v6)
	}
	buf.Write(out[:])
}

// ReadIPAddr reads a 16-byte address field from r.
func ReadIPAddr(r io.Reader) (net.IP, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, ErrIO
	}
	ip := make(net.IP, 16)
	copy(ip, raw[:])
	return ip, nil
}
