package heap

import "encoding/binary"

// Every object and filler starts with one header word holding its size in
// the upper bits and a tag in the low byte.
const (
	tagObject byte = 0x0b
	tagFiller byte = 0xf1

	headerSize = 8
)

func encodeHeader(size uint64, tag byte) uint64 {
	return size<<8 | uint64(tag)
}

func decodeHeader(word uint64) (size uint64, tag byte) {
	return word >> 8, byte(word)
}

func putHeader(memory []byte, offset, size uint64, tag byte) {
	binary.LittleEndian.PutUint64(memory[offset:], encodeHeader(size, tag))
}

func readHeader(memory []byte, offset uint64) (size uint64, tag byte) {
	return decodeHeader(binary.LittleEndian.Uint64(memory[offset:]))
}
