package objstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/KevoDB/kvcache/pkg/tensor"
)

const (
	// RecordMagic is "KVB1" read as a little endian uint32
	RecordMagic = uint32(0x3142564B)
	// RecordVersion is the current record format version
	RecordVersion = uint16(1)

	// magic, version, codec, reserved, layers, capacity, slot width, bitmap words, type name length
	recordHeaderSize = 4 + 2 + 1 + 1 + 4*4 + 2
	checksumSize     = 8
	maxTypeNameLen   = math.MaxUint16

	// MaxTensorSize bounds the bytes of a single key or value tensor in an encoded record
	MaxTensorSize = math.MaxInt32
)

// Codec selects how tensor payloads are compressed inside an encoded record
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec converts a codec name as used in configuration files
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("unknown compression codec %q", name)
	}
}

// RecordCodec encodes records with one codec and decodes records written with any codec.
// It is safe for concurrent use.
type RecordCodec struct {
	codec         Codec
	maxTensorSize int

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewRecordCodec creates a codec that compresses tensor payloads with codec
func NewRecordCodec(codec Codec) (*RecordCodec, error) {
	return newRecordCodec(codec, MaxTensorSize)
}

func newRecordCodec(codec Codec, maxTensorSize int) (*RecordCodec, error) {
	if codec > CodecZstd {
		return nil, fmt.Errorf("unknown compression codec %v", codec)
	}

	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
	}
	// Payloads come from peers, so a frame may not claim more than one tensor's worth of memory.
	zstdDecoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxTensorSize)))
	if err != nil {
		zstdEncoder.Close()
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}

	return &RecordCodec{
		codec:         codec,
		maxTensorSize: maxTensorSize,
		zstdEncoder:   zstdEncoder,
		zstdDecoder:   zstdDecoder,
	}, nil
}

// Codec returns the codec used for encoding
func (c *RecordCodec) Codec() Codec {
	return c.codec
}

// Close releases the compression state
func (c *RecordCodec) Close() {
	c.zstdEncoder.Close()
	c.zstdDecoder.Close()
}

var (
	defaultCodecs   [CodecZstd + 1]*RecordCodec
	defaultCodecsMu sync.Mutex
)

func defaultCodec(codec Codec) (*RecordCodec, error) {
	if codec > CodecZstd {
		return nil, fmt.Errorf("unknown compression codec %v", codec)
	}

	defaultCodecsMu.Lock()
	defer defaultCodecsMu.Unlock()

	if defaultCodecs[codec] == nil {
		rc, err := NewRecordCodec(codec)
		if err != nil {
			return nil, err
		}
		defaultCodecs[codec] = rc
	}
	return defaultCodecs[codec], nil
}

// EncodeRecord serializes rec with a shared codec instance
func EncodeRecord(rec *Record, codec Codec) ([]byte, error) {
	rc, err := defaultCodec(codec)
	if err != nil {
		return nil, err
	}
	return rc.Encode(rec)
}

// DecodeRecord parses a record produced by EncodeRecord or RecordCodec.Encode
func DecodeRecord(data []byte) (*Record, error) {
	rc, err := defaultCodec(CodecNone)
	if err != nil {
		return nil, err
	}
	return rc.Decode(data)
}

// Encode serializes rec. Layout, little endian:
//
//	magic u32 | version u16 | codec u8 | reserved u8
//	layers u32 | capacity u32 | slot width u32 | bitmap words u32 | type name length u16 | type name
//	bitmap words u64...
//	per layer: key length u32 | key payload | value length u32 | value payload
//	checksum u64 (xxhash64 of everything before it)
func (c *RecordCodec) Encode(rec *Record) ([]byte, error) {
	if err := c.checkShape(rec.Layers, rec.Capacity, rec.SlotWidth); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if len(rec.TypeName) > maxTypeNameLen {
		return nil, fmt.Errorf("%w: type name too long", ErrInvalidRecord)
	}

	payloads := make([][]byte, 0, 2*rec.Layers)
	size := recordHeaderSize + len(rec.TypeName) + 8*len(rec.Bitmap) + checksumSize
	for l := 0; l < rec.Layers; l++ {
		for _, t := range []*tensor.Sealed{rec.Keys[l], rec.Values[l]} {
			p, err := c.compress(t.Bytes())
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, p)
			size += 4 + len(p)
		}
	}

	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], RecordMagic)
	binary.LittleEndian.PutUint16(out[4:6], RecordVersion)
	out[6] = byte(c.codec)
	out[7] = 0
	binary.LittleEndian.PutUint32(out[8:12], uint32(rec.Layers))
	binary.LittleEndian.PutUint32(out[12:16], uint32(rec.Capacity))
	binary.LittleEndian.PutUint32(out[16:20], uint32(rec.SlotWidth))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(rec.Bitmap)))
	binary.LittleEndian.PutUint16(out[24:26], uint16(len(rec.TypeName)))

	off := recordHeaderSize
	off += copy(out[off:], rec.TypeName)
	for _, w := range rec.Bitmap {
		binary.LittleEndian.PutUint64(out[off:], w)
		off += 8
	}
	for _, p := range payloads {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(p)))
		off += 4
		off += copy(out[off:], p)
	}

	binary.LittleEndian.PutUint64(out[off:], xxhash.Sum64(out[:off]))
	return out, nil
}

// Decode parses an encoded record and rebuilds its sealed tensors.
// Every error wraps ErrInvalidRecord.
func (c *RecordCodec) Decode(data []byte) (*Record, error) {
	if len(data) < recordHeaderSize+checksumSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidRecord, len(data))
	}

	body := data[:len(data)-checksumSize]
	stored := binary.LittleEndian.Uint64(data[len(body):])
	if computed := xxhash.Sum64(body); computed != stored {
		return nil, fmt.Errorf("%w: checksum mismatch: stored %016x, computed %016x",
			ErrInvalidRecord, stored, computed)
	}

	if magic := binary.LittleEndian.Uint32(body[0:4]); magic != RecordMagic {
		return nil, fmt.Errorf("%w: bad magic %08x", ErrInvalidRecord, magic)
	}
	if version := binary.LittleEndian.Uint16(body[4:6]); version != RecordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidRecord, version)
	}
	codec := Codec(body[6])
	if codec > CodecZstd {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidRecord, body[6])
	}

	rec := &Record{
		Layers:    int(binary.LittleEndian.Uint32(body[8:12])),
		Capacity:  int(binary.LittleEndian.Uint32(body[12:16])),
		SlotWidth: int(binary.LittleEndian.Uint32(body[16:20])),
	}
	words := int(binary.LittleEndian.Uint32(body[20:24]))
	nameLen := int(binary.LittleEndian.Uint16(body[24:26]))

	r := reader{data: body, off: recordHeaderSize}
	name, err := r.next(nameLen)
	if err != nil {
		return nil, err
	}
	rec.TypeName = string(name)

	if words > r.remaining()/8 {
		return nil, fmt.Errorf("%w: bitmap of %d words exceeds record", ErrInvalidRecord, words)
	}
	rec.Bitmap = make([]uint64, words)
	for i := range rec.Bitmap {
		w, _ := r.next(8)
		rec.Bitmap[i] = binary.LittleEndian.Uint64(w)
	}

	// Each layer needs at least two length prefixes, which bounds Layers before allocating.
	if rec.Layers <= 0 || rec.Layers > r.remaining()/8 {
		return nil, fmt.Errorf("%w: invalid layer count %d", ErrInvalidRecord, rec.Layers)
	}
	if err := c.checkShape(rec.Layers, rec.Capacity, rec.SlotWidth); err != nil {
		return nil, err
	}
	size := rec.Capacity * rec.SlotWidth

	rec.Keys = make([]*tensor.Sealed, rec.Layers)
	rec.Values = make([]*tensor.Sealed, rec.Layers)
	for l := 0; l < rec.Layers; l++ {
		if rec.Keys[l], err = c.readTensor(&r, codec, size); err != nil {
			return nil, fmt.Errorf("layer %d key: %w", l, err)
		}
		if rec.Values[l], err = c.readTensor(&r, codec, size); err != nil {
			return nil, fmt.Errorf("layer %d value: %w", l, err)
		}
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidRecord, r.remaining())
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// checkShape rejects shapes the header cannot carry or whose tensors exceed the size limit
func (c *RecordCodec) checkShape(layers, capacity, slotWidth int) error {
	if layers <= 0 || int64(layers) > math.MaxUint32 {
		return fmt.Errorf("%w: invalid layer count %d", ErrInvalidRecord, layers)
	}
	if capacity <= 0 || slotWidth <= 0 || int64(capacity)*int64(slotWidth) > int64(c.maxTensorSize) {
		return fmt.Errorf("%w: invalid tensor shape %dx%d", ErrInvalidRecord, capacity, slotWidth)
	}
	return nil
}

func (c *RecordCodec) readTensor(r *reader, codec Codec, size int) (*tensor.Sealed, error) {
	lenBytes, err := r.next(4)
	if err != nil {
		return nil, err
	}
	payload, err := r.next(int(binary.LittleEndian.Uint32(lenBytes)))
	if err != nil {
		return nil, err
	}

	data, err := c.decompress(payload, codec, size)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: tensor holds %d bytes, want %d", ErrInvalidRecord, len(data), size)
	}
	return tensor.NewSealed(data), nil
}

func (c *RecordCodec) compress(data []byte) ([]byte, error) {
	switch c.codec {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecZstd:
		return c.zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unknown compression codec %v", c.codec)
	}
}

// decompress always returns a fresh slice so sealed tensors never alias the encoded buffer
func (c *RecordCodec) decompress(payload []byte, codec Codec, size int) ([]byte, error) {
	switch codec {
	case CodecNone:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil

	case CodecSnappy:
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: snappy payload decodes to %d bytes, want %d", ErrInvalidRecord, n, size)
		}
		out, err := snappy.Decode(make([]byte, n), payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		return out, nil

	case CodecZstd:
		out, err := c.zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrInvalidRecord, codec)
	}
}

// reader walks an encoded record with bounds checks
type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) next(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrInvalidRecord, r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}
