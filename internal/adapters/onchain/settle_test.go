package onchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexToBytes32(t *testing.T) {
	cond := "0xab00000000000000000000000000000000000000000000000000000000000000"

	b, err := hexToBytes32(cond)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), b[0])
	assert.Equal(t, byte(0x00), b[31])

	// sin prefijo 0x tambien vale
	b2, err := hexToBytes32(cond[2:])
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestHexToBytes32_InvalidLength(t *testing.T) {
	_, err := hexToBytes32("0x1234")
	assert.Error(t, err)
}

func TestHexToBytes32_InvalidHex(t *testing.T) {
	bad := "zz00000000000000000000000000000000000000000000000000000000000000"
	_, err := hexToBytes32(bad)
	assert.Error(t, err)
}

func TestShortHex(t *testing.T) {
	assert.Equal(t, "0x1234567890...", shortHex("0x12345678901234567890"))
	assert.Equal(t, "0xabc", shortHex("0xabc"))
}
