package idcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/internal/types"
)

func TestEncodeDecodeNodeID_RoundTrips(t *testing.T) {
	id := types.NodeId(123456789)
	encoded := EncodeNodeID(id)
	assert.NotEmpty(t, encoded)

	decoded, err := DecodeNodeID(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestEncodeDecodeComposite_RoundTrips(t *testing.T) {
	encoded := EncodeComposite(42, 7)
	fileOrdinal, localOrdinal, err := DecodeComposite(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), fileOrdinal)
	assert.Equal(t, uint32(7), localOrdinal)
}

func TestDecodeComposite_EmptyStringFails(t *testing.T) {
	_, _, err := DecodeComposite("")
	assert.ErrorIs(t, err, ErrEmptyString)
}

func TestDecodeNodeID_InvalidCharacterFails(t *testing.T) {
	_, err := DecodeNodeID("not!valid!")
	assert.Error(t, err)
}
