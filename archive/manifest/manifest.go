// Package manifest implements the archive index format shared by the
// writer and reader: a magic-prefixed, canonically-encoded Manifest body
// trailed by a SHA3-256 digest over everything before it. The format is
// intentionally simple — one file, read whole, rewritten whole — since
// the archive only ever appends contiguous, immutable ranges.
package manifest

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/cockroachdb/errors"

	"github.com/dwallet-labs/ika/codec"
	"github.com/dwallet-labs/ika/errs"
)

// StreamKind distinguishes the two archived streams; each gets its own
// manifest and object-store prefix.
type StreamKind uint8

const (
	StreamCheckpoint StreamKind = iota
	StreamSystemCheckpoint
)

const (
	magicManifest     uint32 = 0x00C0FFEE
	magicBlobFile     uint32 = 0x0000DEAD
	digestLen                = 32
)

// CompressionCode tags the optional whole-file compression applied after
// the blob-file header.
type CompressionCode uint8

const (
	CompressionNone CompressionCode = iota
	CompressionZstd
)

// StorageFormatCode tags the on-disk blob encoding within a file.
type StorageFormatCode uint8

const (
	StorageFormatCBOR StorageFormatCode = iota
)

// FileMetadata describes one archived blob file and the contiguous
// sequence-number range it covers, end-exclusive.
type FileMetadata struct {
	Epoch       uint64            `cbor:"1,keyasint"`
	Start       uint64            `cbor:"2,keyasint"`
	End         uint64            `cbor:"3,keyasint"`
	Path        string            `cbor:"4,keyasint"`
	SHA3        [digestLen]byte   `cbor:"5,keyasint"`
	Compression CompressionCode   `cbor:"6,keyasint"`
	Format      StorageFormatCode `cbor:"7,keyasint"`
}

// Manifest is the full index of one archived stream: a contiguous,
// gap-free, end-exclusive partition of [0, watermark) into files.
type Manifest struct {
	Stream    StreamKind     `cbor:"1,keyasint"`
	Files     []FileMetadata `cbor:"2,keyasint"`
	Watermark uint64         `cbor:"3,keyasint"`
}

// Covers reports whether end falls at or before the manifest's
// watermark, i.e. the manifest's files fully cover [0, end).
func (m Manifest) Covers(end uint64) bool { return end <= m.Watermark }

// CoversStart reports whether start falls strictly before the
// watermark, i.e. at least the beginning of [start, ...) is archived.
func (m Manifest) CoversStart(start uint64) bool { return start < m.Watermark }

// VerifyContiguity checks the invariant that files partition [0,
// watermark) with no gaps or overlaps: files[0].Start == 0 and
// files[i+1].Start == files[i].End for every i, and the final file's End
// equals Watermark.
func VerifyContiguity(m Manifest) error {
	if len(m.Files) == 0 {
		if m.Watermark != 0 {
			return errs.MarkInvariant(errors.New("manifest: empty file list but nonzero watermark"))
		}
		return nil
	}
	if m.Files[0].Start != 0 {
		return errs.MarkInvariant(errors.Newf("manifest: first file starts at %d, not 0", m.Files[0].Start))
	}
	for i := 0; i < len(m.Files); i++ {
		if m.Files[i].End <= m.Files[i].Start {
			return errs.MarkInvariant(errors.Newf("manifest: file %d has non-positive range [%d, %d)", i, m.Files[i].Start, m.Files[i].End))
		}
		if i > 0 && m.Files[i].Start != m.Files[i-1].End {
			return errs.MarkInvariant(errors.Newf("manifest: gap or overlap between file %d (end %d) and file %d (start %d)",
				i-1, m.Files[i-1].End, i, m.Files[i].Start))
		}
	}
	if last := m.Files[len(m.Files)-1].End; last != m.Watermark {
		return errs.MarkInvariant(errors.Newf("manifest: last file ends at %d, watermark is %d", last, m.Watermark))
	}
	return nil
}

// Finalize serializes m as magic(4 BE) | canonical-cbor(m) | sha3_256(magic||body).
func Finalize(m Manifest) ([]byte, error) {
	if err := VerifyContiguity(m); err != nil {
		return nil, err
	}
	body, err := codec.Marshal(m)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4, 4+len(body)+digestLen)
	binary.BigEndian.PutUint32(out, magicManifest)
	out = append(out, body...)

	digest := sha3.Sum256(out)
	out = append(out, digest[:]...)
	return out, nil
}

// Read parses and verifies a Finalize-produced byte string: magic must
// match and the trailing SHA3-256 digest must match a fresh hash over
// everything preceding it. A truncated input, a wrong magic or a digest
// mismatch is returned as an error, never a panic.
func Read(raw []byte) (Manifest, error) {
	if len(raw) < 4+digestLen {
		return Manifest{}, errs.MarkByzantine(errors.New("manifest: truncated"))
	}
	if got := binary.BigEndian.Uint32(raw[:4]); got != magicManifest {
		return Manifest{}, errs.MarkByzantine(errors.Newf("manifest: bad magic %#x", got))
	}

	signed := raw[:len(raw)-digestLen]
	wantDigest := raw[len(raw)-digestLen:]
	gotDigest := sha3.Sum256(signed)
	if !equalDigest(gotDigest[:], wantDigest) {
		return Manifest{}, errs.MarkByzantine(errors.New("manifest: checksum mismatch"))
	}

	var m Manifest
	if err := codec.Unmarshal(signed[4:], &m); err != nil {
		return Manifest{}, errs.MarkByzantine(err)
	}
	if err := VerifyContiguity(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func equalDigest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// BlobFileHeader is the bit-exact 6-byte header written at the front of
// every blob file, before optional whole-file zstd compression.
type BlobFileHeader struct {
	StorageFormat StorageFormatCode
	Compression   CompressionCode
}

// EncodeBlobFileHeader renders h as its 6-byte wire form: 4-byte
// big-endian magic, 1-byte storage format code, 1-byte compression code.
func EncodeBlobFileHeader(h BlobFileHeader) [6]byte {
	var out [6]byte
	binary.BigEndian.PutUint32(out[:4], magicBlobFile)
	out[4] = byte(h.StorageFormat)
	out[5] = byte(h.Compression)
	return out
}

// DecodeBlobFileHeader parses the fixed 6-byte header and validates the
// magic.
func DecodeBlobFileHeader(raw [6]byte) (BlobFileHeader, error) {
	if got := binary.BigEndian.Uint32(raw[:4]); got != magicBlobFile {
		return BlobFileHeader{}, errs.MarkByzantine(errors.Newf("manifest: bad blob-file magic %#x", got))
	}
	return BlobFileHeader{StorageFormat: StorageFormatCode(raw[4]), Compression: CompressionCode(raw[5])}, nil
}

// FindRange binary-searches files for the index range [startIdx, endIdx)
// of files intersecting the sequence-number range [lo, hi). Files are
// assumed contiguous and sorted ascending by Start, as VerifyContiguity
// requires.
func FindRange(files []FileMetadata, lo, hi uint64) (startIdx, endIdx int) {
	startIdx = searchFirstCovering(files, lo)
	endIdx = searchFirstStartAtOrAfter(files, hi)
	return startIdx, endIdx
}

// searchFirstCovering returns the index of the first file whose End is
// strictly greater than seq, i.e. the first file that could contain seq.
func searchFirstCovering(files []FileMetadata, seq uint64) int {
	lo, hi := 0, len(files)
	for lo < hi {
		mid := (lo + hi) / 2
		if files[mid].End <= seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// searchFirstStartAtOrAfter returns the index of the first file whose
// Start is at or beyond seq.
func searchFirstStartAtOrAfter(files []FileMetadata, seq uint64) int {
	lo, hi := 0, len(files)
	for lo < hi {
		mid := (lo + hi) / 2
		if files[mid].Start < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
