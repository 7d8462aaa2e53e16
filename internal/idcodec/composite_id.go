package idcodec

import (
	"github.com/engram-dev/engram/internal/encoding"
	"github.com/engram-dev/engram/internal/types"
)

// ErrEmptyString mirrors encoding.ErrEmptyString for callers that only
// import idcodec.
var ErrEmptyString = encoding.ErrEmptyString

// EncodeNodeID encodes a NodeId into a compact base-63 string, the form
// the debug decode-id subcommand reads back through DecodeNodeID, where a
// short, human-typeable reference is preferable to the raw 64-bit integer.
func EncodeNodeID(id types.NodeId) string {
	return encoding.Base63Encode(uint64(id))
}

// DecodeNodeID decodes a base-63 string back into a NodeId.
func DecodeNodeID(encoded string) (types.NodeId, error) {
	value, err := encoding.Base63Decode(encoded)
	if err != nil {
		return 0, err
	}
	return types.NodeId(value), nil
}

// Composite packing, kept for the rare case a caller needs to address a
// symbol by (file ordinal, local symbol ordinal) pair rather than its
// already-assigned NodeId - e.g. cross-referencing a skeleton rendered
// before a rescan against the live tree.
func EncodeComposite(fileOrdinal uint32, localOrdinal uint32) string {
	combined := encoding.PackUint32Pair(fileOrdinal, localOrdinal)
	return encoding.Base63EncodeNoZero(combined)
}

func DecodeComposite(encoded string) (fileOrdinal uint32, localOrdinal uint32, err error) {
	if encoded == "" {
		return 0, 0, ErrEmptyString
	}
	combined, err := encoding.Base63Decode(encoded)
	if err != nil {
		return 0, 0, err
	}
	fileOrdinal, localOrdinal = encoding.UnpackUint32Pair(combined)
	return fileOrdinal, localOrdinal, nil
}
