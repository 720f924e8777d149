package logmem

import "encoding/binary"

// headerSize is the fixed portion of every entry:
// [key_len:u16][val_len:u32][flags:u32][expiry:u32]
const headerSize = 2 + 4 + 4 + 4

// neverExpire is the sentinel expiry value meaning "no TTL; evict only
// by segment recycling". Epoch second 0 is never a real expiry in
// practice, so it is free to reuse as the sentinel.
const neverExpire uint32 = 0

// align8 rounds n up to the next multiple of 8; entries are 8-byte
// aligned within their segment.
func align8(n int) int {
	return (n + 7) &^ 7
}

// entrySize returns the padded on-disk size of an entry with the
// given key/value lengths.
func entrySize(keyLen, valLen int) int {
	return align8(headerSize + keyLen + valLen)
}

// putEntry writes a complete entry into buf (which must be at least
// entrySize(len(key), len(value)) bytes) and returns that size. Any
// padding bytes beyond the declared key/value lengths are left
// untouched; readers never look past key_len+val_len.
func putEntry(buf, key, value []byte, flags, expiry uint32) int {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(value)))
	binary.LittleEndian.PutUint32(buf[6:10], flags)
	binary.LittleEndian.PutUint32(buf[10:14], expiry)
	n := headerSize
	n += copy(buf[n:], key)
	n += copy(buf[n:], value)
	return align8(n)
}

// entryHeader is the decoded fixed portion of an entry at some offset.
type entryHeader struct {
	keyLen uint16
	valLen uint32
	flags  uint32
	expiry uint32
}

func peekHeader(buf []byte) entryHeader {
	return entryHeader{
		keyLen: binary.LittleEndian.Uint16(buf[0:2]),
		valLen: binary.LittleEndian.Uint32(buf[2:6]),
		flags:  binary.LittleEndian.Uint32(buf[6:10]),
		expiry: binary.LittleEndian.Uint32(buf[10:14]),
	}
}

// sizeOf is the padded byte span an entry with this header occupies.
func (h entryHeader) sizeOf() int {
	return entrySize(int(h.keyLen), int(h.valLen))
}
