package util

// Little-endian fixed-width and length-prefixed integer writers, used by
// the log entry header codec to build on-disk byte layouts. All multi-byte
// fields in the log formats are little-endian, so these append the low
// byte first.

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB2(buf []byte, i uint16) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	return buf
}

func WriteUB3(buf []byte, i uint32) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	buf = append(buf, byte((i>>16)&0xFF))
	return buf
}

func WriteUB4(buf []byte, i uint32) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	buf = append(buf, byte((i>>16)&0xFF))
	buf = append(buf, byte((i>>24)&0xFF))
	return buf
}

func WriteUB6(buf []byte, i uint64) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	buf = append(buf, byte((i>>16)&0xFF))
	buf = append(buf, byte((i>>24)&0xFF))
	buf = append(buf, byte((i>>32)&0xFF))
	buf = append(buf, byte((i>>40)&0xFF))
	return buf
}

func WriteUB8(buf []byte, i uint64) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	buf = append(buf, byte((i>>16)&0xFF))
	buf = append(buf, byte((i>>24)&0xFF))
	buf = append(buf, byte((i>>32)&0xFF))
	buf = append(buf, byte((i>>40)&0xFF))
	buf = append(buf, byte((i>>48)&0xFF))
	buf = append(buf, byte((i>>56)&0xFF))
	return buf
}

// WriteLength appends a self-describing varint length field: a single byte
// for values below 252, else a marker byte (252/253/254) followed by a
// fixed-width field wide enough to hold the value.
func WriteLength(buf []byte, length int64) []byte {
	switch {
	case length < 252:
		return WriteByte(buf, byte(length))
	case length < 0x10000:
		buf = WriteByte(buf, 252)
		return WriteUB2(buf, uint16(length))
	case length < 0x1000000:
		buf = WriteByte(buf, 253)
		return WriteUB3(buf, uint32(length))
	default:
		buf = WriteByte(buf, 254)
		return WriteUB8(buf, uint64(length))
	}
}

func ConvertUInt4Bytes(i uint32) []byte {
	return WriteUB4(make([]byte, 0, 4), i)
}

func ConvertUInt2Bytes(i uint16) []byte {
	return WriteUB2(make([]byte, 0, 2), i)
}
