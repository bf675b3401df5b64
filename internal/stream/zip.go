package stream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	localHeaderSignature = 0x04034b50
	zip64SizeSentinel    = 0xffffffff

	methodStore   = 0
	methodDeflate = 8

	// Bit 3 of the general-purpose flags: sizes are unknown at header
	// time and a 16-byte data descriptor trails the entry data.
	flagDataDescriptor = 0x0008
)

// ErrZip64 is returned for archives using Zip64 extensions, which cannot
// be decoded from a forward-only stream.
var ErrZip64 = errors.New("zip: zip64 archives are not supported")

// ZipEntry is one file in the archive. Read returns the decompressed
// content; the entry is only valid until the next call to Next.
type ZipEntry struct {
	Name string

	UncompressedSize uint32

	z *ZipReader
	r io.Reader
}

func (e *ZipEntry) Read(p []byte) (int, error) {
	return e.r.Read(p)
}

// ZipReader decodes a zip archive from a forward-only stream by walking
// the local file headers, without ever seeking to the central directory.
// The first non-entry signature encountered marks the end of the entries.
type ZipReader struct {
	br  *bufio.Reader
	cur *ZipEntry
	err error

	// drain finishes the current entry: discards unread content and
	// consumes the trailing data descriptor if one is present.
	drain func() error
}

// NewZipReader wraps r in a streaming archive decoder.
func NewZipReader(r io.Reader) *ZipReader {
	return &ZipReader{br: bufio.NewReader(r)}
}

// Next advances to the next archive entry, returning io.EOF after the
// last one. Any unread content of the previous entry is discarded.
func (z *ZipReader) Next() (*ZipEntry, error) {
	if z.err != nil {
		return nil, z.err
	}
	if z.drain != nil {
		if err := z.drain(); err != nil {
			z.err = err
			return nil, err
		}
		z.drain = nil
		z.cur = nil
	}

	var sig [4]byte
	if _, err := io.ReadFull(z.br, sig[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			z.err = io.EOF
			return nil, io.EOF
		}
		z.err = err
		return nil, err
	}
	if binary.LittleEndian.Uint32(sig[:]) != localHeaderSignature {
		// Central directory (or anything else): no more entries.
		z.err = io.EOF
		return nil, io.EOF
	}

	// Fixed-size portion of the local file header, past the signature.
	var hdr [26]byte
	if _, err := io.ReadFull(z.br, hdr[:]); err != nil {
		z.err = fmt.Errorf("zip: truncated local header: %w", err)
		return nil, z.err
	}
	flags := binary.LittleEndian.Uint16(hdr[2:4])
	method := binary.LittleEndian.Uint16(hdr[4:6])
	compressedSize := binary.LittleEndian.Uint32(hdr[14:18])
	uncompressedSize := binary.LittleEndian.Uint32(hdr[18:22])
	nameLen := binary.LittleEndian.Uint16(hdr[22:24])
	extraLen := binary.LittleEndian.Uint16(hdr[24:26])

	if compressedSize == zip64SizeSentinel || uncompressedSize == zip64SizeSentinel {
		z.err = ErrZip64
		return nil, z.err
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(z.br, name); err != nil {
		z.err = fmt.Errorf("zip: truncated entry name: %w", err)
		return nil, z.err
	}
	if extraLen > 0 {
		if _, err := io.CopyN(io.Discard, z.br, int64(extraLen)); err != nil {
			z.err = fmt.Errorf("zip: truncated extra field: %w", err)
			return nil, z.err
		}
	}

	entry := &ZipEntry{
		Name:             string(name),
		UncompressedSize: uncompressedSize,
		z:                z,
	}

	streamed := flags&flagDataDescriptor != 0
	switch method {
	case methodDeflate:
		if streamed {
			// Size unknown up front. The bufio reader implements
			// io.ByteReader, so the decompressor consumes exactly the
			// deflate stream and the descriptor follows directly.
			fr := flate.NewReader(z.br)
			entry.r = fr
			z.drain = func() error {
				if _, err := io.Copy(io.Discard, fr); err != nil {
					return fmt.Errorf("zip: draining %s: %w", entry.Name, err)
				}
				fr.Close()
				return z.skipDataDescriptor(entry.Name)
			}
		} else {
			lr := &io.LimitedReader{R: z.br, N: int64(compressedSize)}
			fr := flate.NewReader(lr)
			entry.r = fr
			z.drain = func() error {
				if _, err := io.Copy(io.Discard, fr); err != nil {
					return fmt.Errorf("zip: draining %s: %w", entry.Name, err)
				}
				fr.Close()
				if _, err := io.Copy(io.Discard, lr); err != nil {
					return fmt.Errorf("zip: draining %s: %w", entry.Name, err)
				}
				return nil
			}
		}
	case methodStore:
		if streamed {
			// A stored entry with no size in the header cannot be
			// delimited on a forward-only stream.
			z.err = fmt.Errorf("zip: stored entry %s has no size in header", entry.Name)
			return nil, z.err
		}
		lr := &io.LimitedReader{R: z.br, N: int64(compressedSize)}
		entry.r = lr
		z.drain = func() error {
			if _, err := io.Copy(io.Discard, lr); err != nil {
				return fmt.Errorf("zip: draining %s: %w", entry.Name, err)
			}
			return nil
		}
	default:
		z.err = fmt.Errorf("zip: entry %s uses unsupported method %d", entry.Name, method)
		return nil, z.err
	}

	z.cur = entry
	return entry, nil
}

// skipDataDescriptor consumes the 16-byte descriptor (signature, crc and
// both sizes) that follows a streamed entry.
func (z *ZipReader) skipDataDescriptor(name string) error {
	var desc [16]byte
	if _, err := io.ReadFull(z.br, desc[:]); err != nil {
		return fmt.Errorf("zip: truncated data descriptor after %s: %w", name, err)
	}
	return nil
}

// Close discards any remaining content of the current entry. The
// underlying reader is not closed.
func (z *ZipReader) Close() error {
	if z.drain != nil {
		err := z.drain()
		z.drain = nil
		z.cur = nil
		return err
	}
	return nil
}
