package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/keato/cirrus-peer/internal/bloom"
)

// ProtocolVersion is the version number this codec speaks.
const ProtocolVersion int32 = 70015

// Service flag bits carried in VersionMessage.Services and friends.
const (
	ServiceNetwork         uint64 = 1
	ServiceGetUTXO         uint64 = 2
	ServiceBloom           uint64 = 4
	ServiceNodeBitcoinCash uint64 = 0x20
	ServiceNetworkLimited  uint64 = 0x400

	allowedServices = ServiceNetwork | ServiceGetUTXO | ServiceBloom |
		ServiceNodeBitcoinCash | ServiceNetworkLimited
)

func validateServices(bits uint64) error {
	if bits&^allowedServices != 0 {
		return ErrInvalidNetworkServices
	}
	return nil
}

// NetAddr is a service-bits + IP + port triple as carried inside a
// version message.
type NetAddr struct {
	Services uint64
	IP       net.IP
	Port     uint16
}

// VersionMessage is the handshake's first message.
type VersionMessage struct {
	Version     int32
	Services    uint64
	Timestamp   int64
	RecvAddr    NetAddr
	SendAddr    NetAddr
	Nonce       uint64
	UserAgent   []byte
	StartHeight int32
	Relay       bool
}

// Command returns the message's command name.
func (VersionMessage) Command() string { return "version" }

// Encode serialises v into a version payload. Encoding a structurally
// valid VersionMessage never fails.
func (v VersionMessage) Encode() []byte {
	buf := new(bytes.Buffer)
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], uint32(v.Version))
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:], v.Services)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], uint64(v.Timestamp))
	buf.Write(tmp[:])

	binary.LittleEndian.PutUint64(tmp[:], v.RecvAddr.Services)
	buf.Write(tmp[:])
	WriteIPAddr(buf, v.RecvAddr.IP)
	binary.LittleEndian.PutUint16(tmp[:2], v.RecvAddr.Port)
	buf.Write(tmp[:2])

	binary.LittleEndian.PutUint64(tmp[:], v.SendAddr.Services)
	buf.Write(tmp[:])
	WriteIPAddr(buf, v.SendAddr.IP)
	binary.LittleEndian.PutUint16(tmp[:2], v.SendAddr.Port)
	buf.Write(tmp[:2])

	binary.LittleEndian.PutUint64(tmp[:], v.Nonce)
	buf.Write(tmp[:])

	WriteVarString(buf, v.UserAgent)

	binary.LittleEndian.PutUint32(tmp[:4], uint32(v.StartHeight))
	buf.Write(tmp[:4])

	if v.Relay {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

// DecodeVersionMessage parses a version payload.
func DecodeVersionMessage(payload []byte) (VersionMessage, error) {
	r := bytes.NewReader(payload)
	var v VersionMessage
	var u32 [4]byte
	var u64 [8]byte
	var u16 [2]byte

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return VersionMessage{}, ErrIO
	}
	v.Version = int32(binary.LittleEndian.Uint32(u32[:]))

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return VersionMessage{}, ErrIO
	}
	v.Services = binary.LittleEndian.Uint64(u64[:])
	if err := validateServices(v.Services); err != nil {
		return VersionMessage{}, err
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return VersionMessage{}, ErrIO
	}
	v.Timestamp = int64(binary.LittleEndian.Uint64(u64[:]))

	recvServices, err := readUint64(r)
	if err != nil {
		return VersionMessage{}, err
	}
	if err := validateServices(recvServices); err != nil {
		return VersionMessage{}, err
	}
	recvIP, err := ReadIPAddr(r)
	if err != nil {
		return VersionMessage{}, err
	}
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return VersionMessage{}, ErrIO
	}
	v.RecvAddr = NetAddr{Services: recvServices, IP: recvIP, Port: binary.LittleEndian.Uint16(u16[:])}

	sendServices, err := readUint64(r)
	if err != nil {
		return VersionMessage{}, err
	}
	if err := validateServices(sendServices); err != nil {
		return VersionMessage{}, err
	}
	sendIP, err := ReadIPAddr(r)
	if err != nil {
		return VersionMessage{}, err
	}
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return VersionMessage{}, ErrIO
	}
	v.SendAddr = NetAddr{Services: sendServices, IP: sendIP, Port: binary.LittleEndian.Uint16(u16[:])}

	nonce, err := readUint64(r)
	if err != nil {
		return VersionMessage{}, err
	}
	v.Nonce = nonce

	ua, err := ReadVarString(r)
	if err != nil {
		return VersionMessage{}, err
	}
	v.UserAgent = ua

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return VersionMessage{}, ErrIO
	}
	v.StartHeight = int32(binary.LittleEndian.Uint32(u32[:]))

	relay, err := r.ReadByte()
	if err != nil {
		return VersionMessage{}, ErrIO
	}
	v.Relay = relay != 0

	return v, nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrIO
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// VerackMessage is the empty-payload handshake acknowledgement.
type VerackMessage struct{}

// Command returns the message's command name.
func (VerackMessage) Command() string { return "verack" }

// Encode always returns an empty payload.
func (VerackMessage) Encode() []byte { return []byte{} }

// DecodeVerackMessage accepts any payload; verack carries no data.
func DecodeVerackMessage([]byte) (VerackMessage, error) {
	return VerackMessage{}, nil
}

// PingMessage carries a liveness nonce.
type PingMessage struct {
	Nonce uint64
}

// Command returns the message's command name.
func (PingMessage) Command() string { return "ping" }

// Encode serialises the nonce as 8 little-endian bytes.
func (p PingMessage) Encode() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], p.Nonce)
	return b[:]
}

// DecodePingMessage parses an 8-byte nonce payload.
func DecodePingMessage(payload []byte) (PingMessage, error) {
	if len(payload) < 8 {
		return PingMessage{}, ErrIO
	}
	return PingMessage{Nonce: binary.LittleEndian.Uint64(payload[:8])}, nil
}

// PongMessage replies to a PingMessage with the same nonce.
type PongMessage struct {
	Nonce uint64
}

// Command returns the message's command name.
func (PongMessage) Command() string { return "pong" }

// Encode serialises the nonce as 8 little-endian bytes.
func (p PongMessage) Encode() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], p.Nonce)
	return b[:]
}

// DecodePongMessage parses an 8-byte nonce payload.
func DecodePongMessage(payload []byte) (PongMessage, error) {
	if len(payload) < 8 {
		return PongMessage{}, ErrIO
	}
	return PongMessage{Nonce: binary.LittleEndian.Uint64(payload[:8])}, nil
}

// ObjectType identifies what an InvVector announces or requests.
type ObjectType uint32

// Object types recognised on decode; 0, 3, 4 are reserved and ignored.
const (
	ObjectTx    ObjectType = 1
	ObjectBlock ObjectType = 2
)

// InvVector announces or requests a single object by type and hash.
type InvVector struct {
	Type ObjectType
	Hash [32]byte
}

func encodeInvVectors(vectors []InvVector) []byte {
	buf := new(bytes.Buffer)
	WriteVarInt(buf, uint64(len(vectors)))
	for _, v := range vectors {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v.Type))
		buf.Write(tmp[:])
		buf.Write(v.Hash[:])
	}
	return buf.Bytes()
}

func decodeInvVectors(payload []byte) ([]InvVector, error) {
	r := bytes.NewReader(payload)
	count, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	vectors := make([]InvVector, 0, count)
	for i := uint64(0); i < count; i++ {
		var tmp [4]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, ErrIO
		}
		typeID := binary.LittleEndian.Uint32(tmp[:])

		var hash [32]byte
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return nil, ErrIO
		}

		switch ObjectType(typeID) {
		case ObjectTx, ObjectBlock:
			vectors = append(vectors, InvVector{Type: ObjectType(typeID), Hash: hash})
		default:
			// Unknown type values (0, 3, 4, ...) are skipped, not an error.
		}
	}
	return vectors, nil
}

// InvMessage announces known objects to the peer.
type InvMessage struct {
	Vectors []InvVector
}

// Command returns the message's command name.
func (InvMessage) Command() string { return "inv" }

// Encode serialises the inventory list.
func (m InvMessage) Encode() []byte { return encodeInvVectors(m.Vectors) }

// DecodeInvMessage parses an inv payload, skipping unknown object types.
func DecodeInvMessage(payload []byte) (InvMessage, error) {
	vectors, err := decodeInvVectors(payload)
	if err != nil {
		return InvMessage{}, err
	}
	return InvMessage{Vectors: vectors}, nil
}

// GetDataMessage requests the objects named by Vectors.
type GetDataMessage struct {
	Vectors []InvVector
}

// Command returns the message's command name.
func (GetDataMessage) Command() string { return "getdata" }

// Encode serialises the request list.
func (m GetDataMessage) Encode() []byte { return encodeInvVectors(m.Vectors) }

// DecodeGetDataMessage parses a getdata payload, skipping unknown object
// types, mirroring inv's decode.
func DecodeGetDataMessage(payload []byte) (GetDataMessage, error) {
	vectors, err := decodeInvVectors(payload)
	if err != nil {
		return GetDataMessage{}, err
	}
	return GetDataMessage{Vectors: vectors}, nil
}

// FilterLoadMessage installs a Bloom filter on the connection, per
// §4.1: filter bytes (var-int length prefixed), k, tweak, flags.
type FilterLoadMessage struct {
	Filter *bloom.Filter
}

// Command returns the message's command name.
func (FilterLoadMessage) Command() string { return "filterload" }

// Encode serialises the filter.
func (m FilterLoadMessage) Encode() []byte {
	buf := new(bytes.Buffer)
	WriteVarInt(buf, uint64(len(m.Filter.Bits())))
	buf.Write(m.Filter.Bits())

	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.Filter.NumHashFuncs())
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint32(tmp[:], m.Filter.Tweak())
	buf.Write(tmp[:])
	buf.WriteByte(m.Filter.Flags())

	return buf.Bytes()
}

// DecodeFilterLoadMessage parses a filterload payload. The reference
// implementation this protocol was ported from never decoded its own
// filterload message; this mirrors the encoder field-for-field so the
// session can accept one from a peer as well as send one.
func DecodeFilterLoadMessage(payload []byte) (bits []byte, numHashFuncs, tweak uint32, flags uint8, err error) {
	r := bytes.NewReader(payload)
	n, err := ReadVarInt(r)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	bits = make([]byte, n)
	if _, err := io.ReadFull(r, bits); err != nil {
		return nil, 0, 0, 0, ErrIO
	}

	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, 0, 0, 0, ErrIO
	}
	numHashFuncs = binary.LittleEndian.Uint32(tmp[:])

	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, 0, 0, 0, ErrIO
	}
	tweak = binary.LittleEndian.Uint32(tmp[:])

	flagByte, err := r.ReadByte()
	if err != nil {
		return nil, 0, 0, 0, ErrIO
	}
	flags = flagByte

	return bits, numHashFuncs, tweak, flags, nil
}
