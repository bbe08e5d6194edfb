package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/walcore"
)

// This file implements the segment codec (C1): the magic+version header,
// length-prefixed framed entry batches with CRC and optional per-segment
// compression, and the length-prefixed footer. Grounded on wal/segment.go's
// WriteRecord/ReadRecord length|data|checksum framing, generalized with an
// entry-kind tag, an entry count, and an explicit uncompressed length so a
// registered Compressor can be dispatched without heuristic buffer growth.

// frameFixedSize is the size of everything in a frame after the length
// prefix and before the payload: kind(1) + numEntries(2) + uncompressedLen(4).
const frameFixedSize = 1 + 2 + 4

// maxFrameBytes bounds a single frame's on-disk size, matching §7's
// ErrRecordTooLarge boundary.
const maxFrameBytes = 256 * 1024 * 1024

// EncodeFileHeader writes h in its fixed wire layout.
func EncodeFileHeader(w io.Writer, h walcore.FileHeader) error {
	buf := make([]byte, walcore.HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = byte(h.Compression)
	binary.LittleEndian.PutUint64(buf[6:14], h.SegmentSeq)
	_, err := w.Write(buf)
	return err
}

// DecodeFileHeader reads and validates a FileHeader from r.
func DecodeFileHeader(r io.Reader) (walcore.FileHeader, error) {
	buf := make([]byte, walcore.HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return walcore.FileHeader{}, fmt.Errorf("%w: segment header truncated", walcore.ErrCorruption)
		}
		return walcore.FileHeader{}, fmt.Errorf("%w: reading segment header: %v", walcore.ErrIOError, err)
	}
	h := walcore.FileHeader{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Version:     buf[4],
		Compression: walcore.CompressionType(buf[5]),
		SegmentSeq:  binary.LittleEndian.Uint64(buf[6:14]),
	}
	if err := h.Validate(); err != nil {
		return walcore.FileHeader{}, err
	}
	return h, nil
}

// EncodeFooter writes f in its fixed wire layout.
func EncodeFooter(w io.Writer, f walcore.Footer) error {
	buf := make([]byte, walcore.FooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.Magic)
	binary.LittleEndian.PutUint64(buf[4:12], f.NumEntries)
	binary.LittleEndian.PutUint64(buf[12:20], f.MinReplicateIndex)
	binary.LittleEndian.PutUint64(buf[20:28], f.MaxReplicateIndex)
	binary.LittleEndian.PutUint64(buf[28:36], uint64(f.ClosedAtMicros))
	_, err := w.Write(buf)
	return err
}

// DecodeFooter reads and validates a Footer from r.
func DecodeFooter(r io.Reader) (walcore.Footer, error) {
	buf := make([]byte, walcore.FooterSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return walcore.Footer{}, fmt.Errorf("%w: footer truncated or missing", walcore.ErrCorruption)
	}
	f := walcore.Footer{
		Magic:             binary.LittleEndian.Uint32(buf[0:4]),
		NumEntries:        binary.LittleEndian.Uint64(buf[4:12]),
		MinReplicateIndex: binary.LittleEndian.Uint64(buf[12:20]),
		MaxReplicateIndex: binary.LittleEndian.Uint64(buf[20:28]),
		ClosedAtMicros:    int64(binary.LittleEndian.Uint64(buf[28:36])),
	}
	if err := f.Validate(); err != nil {
		return walcore.Footer{}, err
	}
	return f, nil
}

// EncodeReplicateEntries serializes msgs into raw (pre-compression) bytes:
// one record per message of {OpID(16) | timestamp(8) | payloadLen(4) | payload}.
func EncodeReplicateEntries(msgs []walcore.ReplicateMessage) []byte {
	size := 0
	for i := range msgs {
		size += 16 + 8 + 4 + len(msgs[i].Payload)
	}
	buf := make([]byte, 0, size)
	for i := range msgs {
		var hdr [28]byte
		binary.LittleEndian.PutUint64(hdr[0:8], msgs[i].OpID.Term)
		binary.LittleEndian.PutUint64(hdr[8:16], msgs[i].OpID.Index)
		binary.LittleEndian.PutUint64(hdr[16:24], uint64(msgs[i].Timestamp))
		binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(msgs[i].Payload)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, msgs[i].Payload...)
	}
	return buf
}

// DecodeReplicateEntries parses numEntries ReplicateMessage records out of raw.
func DecodeReplicateEntries(raw []byte, numEntries int) ([]walcore.ReplicateMessage, error) {
	out := make([]walcore.ReplicateMessage, 0, numEntries)
	off := 0
	for i := 0; i < numEntries; i++ {
		if off+28 > len(raw) {
			return out, fmt.Errorf("%w: truncated replicate entry %d", walcore.ErrCorruption, i)
		}
		term := binary.LittleEndian.Uint64(raw[off : off+8])
		index := binary.LittleEndian.Uint64(raw[off+8 : off+16])
		ts := int64(binary.LittleEndian.Uint64(raw[off+16 : off+24]))
		payloadLen := binary.LittleEndian.Uint32(raw[off+24 : off+28])
		off += 28
		if off+int(payloadLen) > len(raw) {
			return out, fmt.Errorf("%w: truncated replicate payload %d", walcore.ErrCorruption, i)
		}
		payload := raw[off : off+int(payloadLen)]
		off += int(payloadLen)
		out = append(out, walcore.ReplicateMessage{
			OpID:      walcore.OpID{Term: term, Index: index},
			Timestamp: ts,
			Payload:   payload,
		})
	}
	return out, nil
}

// EncodeCommitEntries serializes msgs into raw bytes: one 17-byte record per
// message of {CommittedOpID(16) | decision(1)}.
func EncodeCommitEntries(msgs []walcore.CommitMessage) []byte {
	buf := make([]byte, 0, 17*len(msgs))
	for i := range msgs {
		var rec [17]byte
		binary.LittleEndian.PutUint64(rec[0:8], msgs[i].CommittedOpID.Term)
		binary.LittleEndian.PutUint64(rec[8:16], msgs[i].CommittedOpID.Index)
		rec[16] = byte(msgs[i].Decision)
		buf = append(buf, rec[:]...)
	}
	return buf
}

// DecodeCommitEntries parses numEntries CommitMessage records out of raw.
func DecodeCommitEntries(raw []byte, numEntries int) ([]walcore.CommitMessage, error) {
	out := make([]walcore.CommitMessage, 0, numEntries)
	off := 0
	for i := 0; i < numEntries; i++ {
		if off+17 > len(raw) {
			return out, fmt.Errorf("%w: truncated commit entry %d", walcore.ErrCorruption, i)
		}
		term := binary.LittleEndian.Uint64(raw[off : off+8])
		index := binary.LittleEndian.Uint64(raw[off+8 : off+16])
		decision := walcore.CommitDecision(raw[off+16])
		off += 17
		out = append(out, walcore.CommitMessage{
			CommittedOpID: walcore.OpID{Term: term, Index: index},
			Decision:      decision,
		})
	}
	return out, nil
}

// EncodeFrame frames one entry-batch record: raw is the uncompressed,
// already-serialized entries; codec (may be walcore.CompressionNone)
// compresses it per the segment header's configured codec. The returned
// bytes are ready to append verbatim to the segment file.
func EncodeFrame(kind walcore.EntryKind, numEntries uint16, raw []byte, codec walcore.Compressor) ([]byte, error) {
	payload := raw
	if codec != nil && codec.Type() != walcore.CompressionNone {
		compressed, err := codec.Compress(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: compressing frame: %v", walcore.ErrIOError, err)
		}
		payload = compressed
	}

	body := make([]byte, frameFixedSize+len(payload))
	body[0] = byte(kind)
	binary.LittleEndian.PutUint16(body[1:3], numEntries)
	binary.LittleEndian.PutUint32(body[3:7], uint32(len(raw)))
	copy(body[frameFixedSize:], payload)

	if len(body) > maxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d byte limit", walcore.ErrRecordTooLarge, len(body), maxFrameBytes)
	}

	frame := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[8:], body)
	return frame, nil
}

// DecodedFrame is one parsed entry-batch frame, with its payload already
// decompressed back to the original serialized entry bytes.
type DecodedFrame struct {
	Kind       walcore.EntryKind
	NumEntries uint16
	Raw        []byte
}

// DecodeFrame reads and validates one frame from r, decompressing its
// payload via registry.Get(segmentCodec) when the segment is compressed.
// A corrupt frame (bad length, bad CRC, decompression failure) returns an
// error wrapping walcore.ErrCorruption; callers must treat the segment as
// truncated at that point rather than propagate it as fatal (§4.1).
func DecodeFrame(r io.Reader, registry *compressors.Registry, segmentCodec walcore.CompressionType) (DecodedFrame, error) {
	var lenAndCRC [8]byte
	if _, err := io.ReadFull(r, lenAndCRC[:]); err != nil {
		if err == io.EOF {
			return DecodedFrame{}, io.EOF
		}
		return DecodedFrame{}, fmt.Errorf("%w: reading frame length/crc: %v", walcore.ErrCorruption, err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenAndCRC[0:4])
	wantCRC := binary.LittleEndian.Uint32(lenAndCRC[4:8])

	if bodyLen < frameFixedSize || int(bodyLen) > maxFrameBytes {
		return DecodedFrame{}, fmt.Errorf("%w: implausible frame length %d", walcore.ErrCorruption, bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return DecodedFrame{}, fmt.Errorf("%w: frame body truncated at %d bytes: %v", walcore.ErrCorruption, bodyLen, err)
	}
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return DecodedFrame{}, fmt.Errorf("%w: frame CRC mismatch: got %x want %x", walcore.ErrCorruption, gotCRC, wantCRC)
	}

	kind := walcore.EntryKind(body[0])
	numEntries := binary.LittleEndian.Uint16(body[1:3])
	uncompressedLen := binary.LittleEndian.Uint32(body[3:7])
	payload := body[frameFixedSize:]

	raw := payload
	if segmentCodec != walcore.CompressionNone {
		codec, err := registry.Get(segmentCodec)
		if err != nil {
			return DecodedFrame{}, err
		}
		decoded, err := codec.Decompress(nil, payload, int(uncompressedLen))
		if err != nil {
			return DecodedFrame{}, fmt.Errorf("%w: decompressing frame: %v", walcore.ErrCorruption, err)
		}
		raw = decoded
	}

	return DecodedFrame{Kind: kind, NumEntries: numEntries, Raw: raw}, nil
}
