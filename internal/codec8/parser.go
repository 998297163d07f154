package codec8

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FrameLength inspects a buffered byte stream and reports the total length
// of the first complete packet, without decoding it. It returns 0 when the
// buffer does not yet hold the 8-byte header. The caller is responsible for
// capping the declared length before waiting for more bytes.
func FrameLength(buf []byte) (int, uint32) {
	if len(buf) < HeaderSize {
		return 0, 0
	}
	dataLen := binary.BigEndian.Uint32(buf[4:8])
	return HeaderSize + int(dataLen) + TrailerSize, dataLen
}

// Parse decodes a single complete Codec8 or Codec8-Extended packet.
// The input must contain the whole packet; trailing bytes are rejected as
// a framing error by the caller, not here — Parse only requires that the
// declared region fits.
func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderSize+2+TrailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != 0 {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadPreamble, binary.BigEndian.Uint32(data[0:4]))
	}

	dataLen := binary.BigEndian.Uint32(data[4:8])
	total := HeaderSize + int(dataLen) + TrailerSize
	if dataLen < 2 || len(data) < total {
		return nil, fmt.Errorf("%w: declared %d data bytes, have %d total", ErrShortPacket, dataLen, len(data))
	}

	// CRC is carried in the low 16 bits of the 4-byte trailer and covers
	// exactly the data region [8, 8+dataLen).
	region := data[HeaderSize : HeaderSize+int(dataLen)]
	wantCRC := binary.BigEndian.Uint32(data[HeaderSize+int(dataLen) : total])
	if wantCRC>>16 != 0 || uint16(wantCRC) != CRC16(region) {
		return nil, fmt.Errorf("%w: got 0x%08X, computed 0x%04X", ErrBadCRC, wantCRC, CRC16(region))
	}

	codecID := region[0]
	if codecID != CodecID8 && codecID != CodecID8Extended {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnsupportedCodec, codecID)
	}
	extended := codecID == CodecID8Extended
	count := int(region[1])

	pkt := &Packet{
		CodecID:    codecID,
		DataLength: dataLen,
		Records:    make([]Record, 0, count),
	}

	offset := 2
	for i := 0; i < count; i++ {
		rec, n, err := parseRecord(region[offset:], extended)
		if err != nil {
			return nil, fmt.Errorf("record %d at offset %d: %w", i, offset, err)
		}
		pkt.Records = append(pkt.Records, rec)
		offset += n
	}

	// The trailer repeats the record count; a mismatch means the stream
	// walk desynchronized or the device miscounted.
	if offset != int(dataLen)-1 {
		return nil, fmt.Errorf("%w: consumed %d of %d data bytes", ErrTruncated, offset+1, dataLen)
	}
	if trailer := int(region[offset]); trailer != count {
		return nil, fmt.Errorf("%w: header %d, trailer %d", ErrRecordCountMismatch, count, trailer)
	}

	return pkt, nil
}

// parseRecord decodes one AVL record and returns the bytes consumed.
func parseRecord(data []byte, extended bool) (Record, int, error) {
	var rec Record

	// timestamp(8) + priority(1) + gps(15)
	if len(data) < 9+gpsElementSize {
		return rec, 0, fmt.Errorf("%w: %d bytes for record head", ErrTruncated, len(data))
	}

	ms := binary.BigEndian.Uint64(data[0:8])
	rec.Timestamp = time.UnixMilli(int64(ms)).UTC()
	rec.Priority = data[8]

	g := data[9 : 9+gpsElementSize]
	rec.GPS = GPS{
		Longitude:  int32(binary.BigEndian.Uint32(g[0:4])),
		Latitude:   int32(binary.BigEndian.Uint32(g[4:8])),
		Altitude:   int16(binary.BigEndian.Uint16(g[8:10])),
		Heading:    binary.BigEndian.Uint16(g[10:12]),
		Satellites: g[12],
		Speed:      binary.BigEndian.Uint16(g[13:15]),
	}

	offset := 9 + gpsElementSize

	eventID, n, err := readID(data, offset, extended)
	if err != nil {
		return rec, 0, err
	}
	rec.EventID = eventID
	offset = n

	totalIO, n, err := readID(data, offset, extended)
	if err != nil {
		return rec, 0, err
	}
	offset = n

	for _, width := range []int{1, 2, 4, 8} {
		offset, err = parseGroup(data, offset, width, extended, &rec)
		if err != nil {
			return rec, 0, err
		}
	}

	// Codec8-Extended carries a fifth group of length-prefixed values.
	if extended {
		offset, err = parseVariableGroup(data, offset, &rec)
		if err != nil {
			return rec, 0, err
		}
	}

	if len(rec.Elements) != int(totalIO) {
		return rec, 0, fmt.Errorf("%w: io header declares %d elements, groups carry %d",
			ErrTruncated, totalIO, len(rec.Elements))
	}

	return rec, offset, nil
}

// readID reads a 1-byte (Codec8) or 2-byte (Extended) id/count field and
// returns the value plus the new offset.
func readID(data []byte, offset int, extended bool) (uint16, int, error) {
	if extended {
		if offset+2 > len(data) {
			return 0, 0, fmt.Errorf("%w: io field at offset %d", ErrTruncated, offset)
		}
		return binary.BigEndian.Uint16(data[offset : offset+2]), offset + 2, nil
	}
	if offset+1 > len(data) {
		return 0, 0, fmt.Errorf("%w: io field at offset %d", ErrTruncated, offset)
	}
	return uint16(data[offset]), offset + 1, nil
}

func parseGroup(data []byte, offset, width int, extended bool, rec *Record) (int, error) {
	count, offset, err := readID(data, offset, extended)
	if err != nil {
		return 0, err
	}
	for i := 0; i < int(count); i++ {
		id, next, err := readID(data, offset, extended)
		if err != nil {
			return 0, err
		}
		offset = next
		if offset+width > len(data) {
			return 0, fmt.Errorf("%w: %d-byte value for io %d at offset %d", ErrTruncated, width, id, offset)
		}
		var v uint64
		for _, b := range data[offset : offset+width] {
			v = v<<8 | uint64(b)
		}
		rec.Elements = append(rec.Elements, IOElement{ID: id, Width: width, Value: v})
		offset += width
	}
	return offset, nil
}

func parseVariableGroup(data []byte, offset int, rec *Record) (int, error) {
	count, offset, err := readID(data, offset, true)
	if err != nil {
		return 0, err
	}
	for i := 0; i < int(count); i++ {
		id, next, err := readID(data, offset, true)
		if err != nil {
			return 0, err
		}
		length, next, err := readID(data, next, true)
		if err != nil {
			return 0, err
		}
		offset = next
		if offset+int(length) > len(data) {
			return 0, fmt.Errorf("%w: %d-byte variable value for io %d at offset %d", ErrTruncated, length, id, offset)
		}
		val := make([]byte, length)
		copy(val, data[offset:offset+int(length)])
		rec.Elements = append(rec.Elements, IOElement{ID: id, Data: val})
		offset += int(length)
	}
	return offset, nil
}
