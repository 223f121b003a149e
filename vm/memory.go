package vm

// Memory is the byte-addressed linear memory of one call frame. It grows in
// 32-byte words; the quadratic expansion cost is charged by the interpreter
// through ExpansionWords before Expand is called.
type Memory struct {
	data []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Len() int { return len(m.data) }

// Words returns the current size in 32-byte words.
func (m *Memory) Words() uint64 {
	return toWords(uint64(len(m.data)))
}

func toWords(bytes uint64) uint64 {
	return (bytes + 31) / 32
}

// wordsAfter returns the word count needed to address offset+size. A zero
// size never expands memory.
func (m *Memory) wordsAfter(offset, size uint64) uint64 {
	if size == 0 {
		return m.Words()
	}
	needed := toWords(offset + size)
	if cur := m.Words(); cur > needed {
		return cur
	}
	return needed
}

// Expand grows memory to cover [offset, offset+size).
func (m *Memory) Expand(offset, size uint64) {
	if size == 0 {
		return
	}
	needed := toWords(offset+size) * 32
	if uint64(len(m.data)) < needed {
		grown := make([]byte, needed)
		copy(grown, m.data)
		m.data = grown
	}
}

// Set copies value into memory at offset; memory must already cover the range.
func (m *Memory) Set(offset uint64, value []byte) {
	copy(m.data[offset:offset+uint64(len(value))], value)
}

// SetByte writes one byte at offset.
func (m *Memory) SetByte(offset uint64, b byte) {
	m.data[offset] = b
}

// Get copies size bytes starting at offset. Reads beyond the expanded range
// return zeroes, matching the zero-initialized memory model.
func (m *Memory) Get(offset, size uint64) []byte {
	out := make([]byte, size)
	if size == 0 {
		return out
	}
	if offset < uint64(len(m.data)) {
		copy(out, m.data[offset:])
	}
	return out
}
