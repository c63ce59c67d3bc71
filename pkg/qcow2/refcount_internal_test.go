package qcow2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_extractRefCount(t *testing.T) {
	block := []byte{0b10110100, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}

	assert.Equal(t, uint64(0), extractRefCount(block, 0, 1))
	assert.Equal(t, uint64(1), extractRefCount(block, 2, 1))
	assert.Equal(t, uint64(1), extractRefCount(block, 7, 1))

	assert.Equal(t, uint64(0b00), extractRefCount(block, 0, 2))
	assert.Equal(t, uint64(0b01), extractRefCount(block, 1, 2))
	assert.Equal(t, uint64(0b11), extractRefCount(block, 2, 2))
	assert.Equal(t, uint64(0b10), extractRefCount(block, 3, 2))

	assert.Equal(t, uint64(0x4), extractRefCount(block, 0, 4))
	assert.Equal(t, uint64(0xb), extractRefCount(block, 1, 4))

	assert.Equal(t, uint64(0x12), extractRefCount(block, 1, 8))
	assert.Equal(t, uint64(0x3456), extractRefCount(block, 1, 16))
	assert.Equal(t, uint64(0x789abcde), extractRefCount(block, 1, 32))
}
