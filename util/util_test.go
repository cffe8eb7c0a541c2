package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntBytesRoundTrip(t *testing.T) {
	assert.Len(t, Int64ToBytes(1), 8)
	assert.Equal(t, int64(1), BytesToInt64(Int64ToBytes(1)))
	assert.Equal(t, int64(-5), BytesToInt64(Int64ToBytes(-5)))
	assert.Equal(t, 1, BytesToInt32(Int32ToBytes(1)))
	assert.Equal(t, -123456, BytesToInt32(Int32ToBytes(-123456)))
}

func TestAddressRoundTrip(t *testing.T) {
	b := AddressToByte("192.168.1.5:40001")
	require.Len(t, b, 8)
	assert.Equal(t, "192.168.1.5:40001", ByteToAddress(b))
}

func TestCrc32IsIEEE(t *testing.T) {
	// reference value for "123456789" under the 0xEDB88320 polynomial
	assert.Equal(t, int32(0xCBF43926-(1<<32)), Crc32([]byte("123456789")))
	assert.Equal(t, int32(0), Crc32(nil))
}

func TestHashString(t *testing.T) {
	// matches the JVM-style 31*h+c rolling hash consumers rely on for
	// tag filtering
	assert.Equal(t, 0, HashString(""))
	assert.Equal(t, 97, HashString("a"))
	assert.Equal(t, 96354, HashString("abc"))
}
