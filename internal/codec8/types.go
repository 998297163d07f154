package codec8

import (
	"errors"
	"time"
)

// Codec identifiers carried at offset 8 of every packet.
const (
	CodecID8         uint8 = 0x08
	CodecID8Extended uint8 = 0x8E
)

// Packet framing sizes.
const (
	// HeaderSize covers preamble(4) + data_length(4).
	HeaderSize = 8
	// TrailerSize is the 4-byte CRC field after the data region.
	TrailerSize = 4
	// gpsElementSize is the fixed GPS element within each record.
	gpsElementSize = 15
)

// Decode failure kinds. The session layer branches on these to decide
// whether to drop the packet or close the connection, so they are sentinels
// rather than plain formatted errors.
var (
	ErrBadPreamble         = errors.New("codec8: bad preamble")
	ErrShortPacket         = errors.New("codec8: packet too short")
	ErrUnsupportedCodec    = errors.New("codec8: unsupported codec id")
	ErrRecordCountMismatch = errors.New("codec8: record count mismatch")
	ErrTruncated           = errors.New("codec8: truncated record stream")
	ErrBadCRC              = errors.New("codec8: crc mismatch")
)

// GPS is the fixed 15-byte position element of an AVL record.
// Longitude and latitude are signed fixed-point degrees scaled by 1e7.
type GPS struct {
	Longitude  int32
	Latitude   int32
	Altitude   int16
	Heading    uint16
	Satellites uint8
	Speed      uint16
}

// LongitudeDeg returns the longitude in decimal degrees.
func (g GPS) LongitudeDeg() float64 { return float64(g.Longitude) / 1e7 }

// LatitudeDeg returns the latitude in decimal degrees.
func (g GPS) LatitudeDeg() float64 { return float64(g.Latitude) / 1e7 }

// IOElement is a single (id, value) pair from one of the width groups.
// Fixed-width values (1, 2, 4, 8 bytes) are carried big-endian in Value;
// variable-width values (Codec8-Extended fifth group) are carried in Data
// with Width 0.
type IOElement struct {
	ID    uint16
	Width int
	Value uint64
	Data  []byte
}

// Record is one decoded AVL record. The codec does not interpret element
// semantics; see the avl package for id mapping.
type Record struct {
	Timestamp time.Time
	Priority  uint8
	GPS       GPS
	EventID   uint16
	Elements  []IOElement
}

// Packet is a fully decoded Codec8 / Codec8-Extended packet.
type Packet struct {
	CodecID    uint8
	DataLength uint32
	Records    []Record
}

// Size returns the total wire size of the packet in bytes.
func (p *Packet) Size() int {
	return HeaderSize + int(p.DataLength) + TrailerSize
}
