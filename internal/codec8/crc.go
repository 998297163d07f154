package codec8

// CRC16 computes the CRC-16/IBM checksum used by Teltonika packets:
// polynomial 0xA001 (bit-reflected 0x8005), initial value 0x0000.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
