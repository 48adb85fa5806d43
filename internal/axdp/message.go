package axdp

import (
	"encoding/binary"
	"fmt"
)

// CompressionAlgorithm enumerates FileMeta's optional compression field.
type CompressionAlgorithm byte

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionLZ4
)

// FileMeta describes an incoming file transfer, per spec.md §3.
type FileMeta struct {
	Filename    string
	FileSize    uint64
	SHA256      [32]byte
	ChunkSize   uint16
	Compression CompressionAlgorithm
}

func encodeFileMeta(m FileMeta) []byte {
	name := []byte(m.Filename)
	out := make([]byte, 0, 2+len(name)+8+32+2+1)
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	out = append(out, nameLen[:]...)
	out = append(out, name...)

	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], m.FileSize)
	out = append(out, sizeBuf[:]...)

	out = append(out, m.SHA256[:]...)

	var chunkBuf [2]byte
	binary.BigEndian.PutUint16(chunkBuf[:], m.ChunkSize)
	out = append(out, chunkBuf[:]...)

	out = append(out, byte(m.Compression))
	return out
}

func decodeFileMeta(raw []byte) (FileMeta, error) {
	if len(raw) < 2 {
		return FileMeta{}, fmt.Errorf("axdp: fileMeta truncated before name length")
	}
	nameLen := int(binary.BigEndian.Uint16(raw[0:2]))
	off := 2
	if len(raw) < off+nameLen+8+32+2+1 {
		return FileMeta{}, fmt.Errorf("axdp: fileMeta truncated")
	}
	name := string(raw[off : off+nameLen])
	off += nameLen

	size := binary.BigEndian.Uint64(raw[off : off+8])
	off += 8

	var sha [32]byte
	copy(sha[:], raw[off:off+32])
	off += 32

	chunkSize := binary.BigEndian.Uint16(raw[off : off+2])
	off += 2

	compression := CompressionAlgorithm(raw[off])

	return FileMeta{
		Filename:    name,
		FileSize:    size,
		SHA256:      sha,
		ChunkSize:   chunkSize,
		Compression: compression,
	}, nil
}

// SACKBitmap lists received/missing chunks in a window starting at
// BaseChunk, one bit per chunk, per spec.md §3/§4.4.
type SACKBitmap struct {
	BaseChunk  uint32
	WindowSize uint16
	Bits       []byte // ceil(WindowSize/8) bytes, bit i set iff BaseChunk+i was received.
}

// NewSACKBitmap builds a bitmap over [base, base+windowSize) from a missing
// set (chunk indices not yet received).
func NewSACKBitmap(base uint32, windowSize uint16, missing map[uint32]bool) SACKBitmap {
	nbytes := (int(windowSize) + 7) / 8
	bits := make([]byte, nbytes)
	for i := uint16(0); i < windowSize; i++ {
		if !missing[base+uint32(i)] {
			bits[i/8] |= 1 << (i % 8)
		}
	}
	return SACKBitmap{BaseChunk: base, WindowSize: windowSize, Bits: bits}
}

// Missing reports whether chunk index idx is absent from this bitmap's
// received set. idx outside [BaseChunk, BaseChunk+WindowSize) is reported
// missing.
func (s SACKBitmap) Missing(idx uint32) bool {
	if idx < s.BaseChunk || idx >= s.BaseChunk+uint32(s.WindowSize) {
		return true
	}
	i := idx - s.BaseChunk
	byteIdx := i / 8
	if int(byteIdx) >= len(s.Bits) {
		return true
	}
	return s.Bits[byteIdx]&(1<<(i%8)) == 0
}

func encodeSACK(s SACKBitmap) []byte {
	out := make([]byte, 0, 6+len(s.Bits))
	var baseBuf [4]byte
	binary.BigEndian.PutUint32(baseBuf[:], s.BaseChunk)
	out = append(out, baseBuf[:]...)
	var winBuf [2]byte
	binary.BigEndian.PutUint16(winBuf[:], s.WindowSize)
	out = append(out, winBuf[:]...)
	out = append(out, s.Bits...)
	return out
}

func decodeSACK(raw []byte) (SACKBitmap, error) {
	if len(raw) < 6 {
		return SACKBitmap{}, fmt.Errorf("axdp: SACK bitmap truncated")
	}
	base := binary.BigEndian.Uint32(raw[0:4])
	win := binary.BigEndian.Uint16(raw[4:6])
	bits := append([]byte(nil), raw[6:]...)
	return SACKBitmap{BaseChunk: base, WindowSize: win, Bits: bits}, nil
}

// Capabilities is the versioned struct exchanged by PING/PONG, per spec.md
// §4.4.
type Capabilities struct {
	ProtoMax    byte
	MaxFrameLen uint16
	MaxPaclen   uint16
	Features    uint32 // bitmask; bit assignments are local to this engine.
}

func encodeCapabilities(c Capabilities) []byte {
	out := make([]byte, 9)
	out[0] = c.ProtoMax
	binary.BigEndian.PutUint16(out[1:3], c.MaxFrameLen)
	binary.BigEndian.PutUint16(out[3:5], c.MaxPaclen)
	binary.BigEndian.PutUint32(out[5:9], c.Features)
	return out
}

func decodeCapabilities(raw []byte) (Capabilities, error) {
	if len(raw) < 9 {
		return Capabilities{}, fmt.Errorf("axdp: capabilities truncated")
	}
	return Capabilities{
		ProtoMax:    raw[0],
		MaxFrameLen: binary.BigEndian.Uint16(raw[1:3]),
		MaxPaclen:   binary.BigEndian.Uint16(raw[3:5]),
		Features:    binary.BigEndian.Uint32(raw[5:9]),
	}, nil
}

// Message is a fully decoded AXDP message.
type Message struct {
	Type         MessageType
	SessionID    uint16
	MessageID    uint32
	ChunkIndex   uint32
	TotalChunks  uint32
	Payload      []byte
	PayloadCRC32 *uint32
	FileMeta     *FileMeta
	SACK         *SACKBitmap
	Capabilities *Capabilities
	Text         string
	ErrorReason  string
}

// Encode serializes m to its wire form (magic + TLV stream).
func Encode(m Message) []byte {
	tlvs := []tlv{u8TLV(tlvMessageType, byte(m.Type))}

	if m.SessionID != 0 {
		tlvs = append(tlvs, u16TLV(tlvSessionID, m.SessionID))
	}
	tlvs = append(tlvs, u32TLV(tlvMessageID, m.MessageID))

	switch m.Type {
	case MessageFileChunk:
		tlvs = append(tlvs, u32TLV(tlvChunkIndex, m.ChunkIndex))
	case MessageFileMeta:
		tlvs = append(tlvs, u32TLV(tlvTotalChunks, m.TotalChunks))
	}

	if m.Payload != nil {
		tlvs = append(tlvs, bytesTLV(tlvPayload, m.Payload))
	}
	if m.PayloadCRC32 != nil {
		tlvs = append(tlvs, u32TLV(tlvPayloadCRC32, *m.PayloadCRC32))
	}
	if m.FileMeta != nil {
		tlvs = append(tlvs, bytesTLV(tlvFileMeta, encodeFileMeta(*m.FileMeta)))
	}
	if m.SACK != nil {
		tlvs = append(tlvs, bytesTLV(tlvSACKBitmap, encodeSACK(*m.SACK)))
	}
	if m.Capabilities != nil {
		tlvs = append(tlvs, bytesTLV(tlvCapabilities, encodeCapabilities(*m.Capabilities)))
	}
	if m.Text != "" {
		tlvs = append(tlvs, bytesTLV(tlvText, []byte(m.Text)))
	}
	if m.ErrorReason != "" {
		tlvs = append(tlvs, bytesTLV(tlvErrorReason, []byte(m.ErrorReason)))
	}

	return encodeTLVs(tlvs)
}

// Decode parses a single complete wire-form AXDP message.
func Decode(raw []byte) (Message, error) {
	tlvs, err := decodeTLVs(raw)
	if err != nil {
		return Message{}, err
	}

	mtRaw, ok := findTLV(tlvs, tlvMessageType)
	if !ok {
		return Message{}, fmt.Errorf("axdp: message missing type TLV")
	}
	mtByte, err := decodeU8(mtRaw)
	if err != nil {
		return Message{}, err
	}

	m := Message{Type: MessageType(mtByte)}

	if v, ok := findTLV(tlvs, tlvSessionID); ok {
		sid, err := decodeU16(v)
		if err != nil {
			return Message{}, err
		}
		m.SessionID = sid
	}
	if v, ok := findTLV(tlvs, tlvMessageID); ok {
		mid, err := decodeU32(v)
		if err != nil {
			return Message{}, err
		}
		m.MessageID = mid
	}
	if v, ok := findTLV(tlvs, tlvChunkIndex); ok {
		ci, err := decodeU32(v)
		if err != nil {
			return Message{}, err
		}
		m.ChunkIndex = ci
	}
	if v, ok := findTLV(tlvs, tlvTotalChunks); ok {
		tc, err := decodeU32(v)
		if err != nil {
			return Message{}, err
		}
		m.TotalChunks = tc
	}
	if v, ok := findTLV(tlvs, tlvPayload); ok {
		m.Payload = append([]byte(nil), v...)
	}
	if v, ok := findTLV(tlvs, tlvPayloadCRC32); ok {
		crc, err := decodeU32(v)
		if err != nil {
			return Message{}, err
		}
		m.PayloadCRC32 = &crc
	}
	if v, ok := findTLV(tlvs, tlvFileMeta); ok {
		fm, err := decodeFileMeta(v)
		if err != nil {
			return Message{}, err
		}
		m.FileMeta = &fm
	}
	if v, ok := findTLV(tlvs, tlvSACKBitmap); ok {
		s, err := decodeSACK(v)
		if err != nil {
			return Message{}, err
		}
		m.SACK = &s
	}
	if v, ok := findTLV(tlvs, tlvCapabilities); ok {
		c, err := decodeCapabilities(v)
		if err != nil {
			return Message{}, err
		}
		m.Capabilities = &c
	}
	if v, ok := findTLV(tlvs, tlvText); ok {
		m.Text = string(v)
	}
	if v, ok := findTLV(tlvs, tlvErrorReason); ok {
		m.ErrorReason = string(v)
	}

	return m, nil
}
