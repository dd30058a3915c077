package treestore

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/attic-labs/mrkl/merr"
)

// footerSize is the fixed footer layout size per spec.md §6.1:
// chunk_size(8) + total_content_size(8) + leaf_count(8) +
// bitmap_byte_len(4) + footer_length(1).
const footerSize = 8 + 8 + 8 + 4 + 1

type footer struct {
	chunkSize        uint64
	totalContentSize uint64
	leafCount        uint64
	bitmapByteLen    uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.BigEndian.PutUint64(buf[0:8], f.chunkSize)
	binary.BigEndian.PutUint64(buf[8:16], f.totalContentSize)
	binary.BigEndian.PutUint64(buf[16:24], f.leafCount)
	binary.BigEndian.PutUint32(buf[24:28], f.bitmapByteLen)
	buf[28] = footerSize
	return buf
}

// decodeFooter parses the trailing footerSize bytes of a tree file.
// b must be exactly the footer's own bytes (caller has already used
// the length byte at EOF-1 to slice them out).
func decodeFooter(b []byte) (footer, error) {
	if len(b) != footerSize {
		return footer{}, errors.Wrapf(merr.ErrCorruptTree, "footer: expected %d bytes, got %d", footerSize, len(b))
	}
	if b[footerSize-1] != footerSize {
		return footer{}, errors.Wrapf(merr.ErrCorruptTree, "footer: unsupported footer_length %d (want %d); legacy/unknown formats are rejected, not migrated", b[footerSize-1], footerSize)
	}
	f := footer{
		chunkSize:        binary.BigEndian.Uint64(b[0:8]),
		totalContentSize: binary.BigEndian.Uint64(b[8:16]),
		leafCount:        binary.BigEndian.Uint64(b[16:24]),
		bitmapByteLen:    binary.BigEndian.Uint32(b[24:28]),
	}
	return f, nil
}
