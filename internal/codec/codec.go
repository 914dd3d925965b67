// Package codec quantizes and compresses embedding vectors for storage.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrCompression is returned when a vector cannot be encoded.
	ErrCompression = errors.New("compression failure")
	// ErrDecompression is returned when stored bytes cannot be decoded.
	ErrDecompression = errors.New("decompression failure")
)

const (
	magic0  = 'T'
	magic1  = 'V'
	version = 1

	// MaxBits is the widest supported quantization.
	MaxBits = 16

	headerSize    = 2 + 1 + 1 + 4 // magic, version, bits, dim
	rangeSize     = 8             // min, max as float32
	float32Length = 4
)

// Codec encodes vectors as an optional quantized frame compressed with zstd.
// Encode and decode are safe for concurrent use.
type Codec struct {
	bits  int
	level zstd.EncoderLevel
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Option configures a Codec.
type Option func(*Codec)

// WithQuantizationBits sets bits per component. 0 stores raw float32 (lossless).
func WithQuantizationBits(bits int) Option {
	return func(c *Codec) { c.bits = bits }
}

// WithLevel sets the zstd encoder level.
func WithLevel(level zstd.EncoderLevel) Option {
	return func(c *Codec) { c.level = level }
}

// New creates a Codec. Default is 8-bit quantization at zstd's default level.
func New(opts ...Option) (*Codec, error) {
	c := &Codec{bits: 8, level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(c)
	}
	if c.bits < 0 || c.bits > MaxBits {
		return nil, fmt.Errorf("quantization bits must be in [0,%d], got %d", MaxBits, c.bits)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Bits returns bits per component; 0 means lossless.
func (c *Codec) Bits() int {
	return c.bits
}

// Compress encodes vec.
func (c *Codec) Compress(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrCompression)
	}
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite component at %d", ErrCompression, i)
		}
	}
	var frame []byte
	if c.bits == 0 {
		frame = encodeRaw(vec)
	} else {
		frame = encodeQuantized(vec, c.bits)
	}
	return c.enc.EncodeAll(frame, make([]byte, 0, len(frame)/2)), nil
}

// Decompress decodes bytes produced by Compress. The frame records its own bit width,
// so a Codec configured differently can still read it.
func (c *Codec) Decompress(data []byte) ([]float32, error) {
	frame, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if len(frame) < headerSize || frame[0] != magic0 || frame[1] != magic1 {
		return nil, fmt.Errorf("%w: bad frame header", ErrDecompression)
	}
	if frame[2] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecompression, frame[2])
	}
	bits := int(frame[3])
	dim := int(binary.LittleEndian.Uint32(frame[4:8]))
	body := frame[headerSize:]
	if bits == 0 {
		if len(body) != dim*float32Length {
			return nil, fmt.Errorf("%w: raw body is %d bytes, want %d", ErrDecompression, len(body), dim*float32Length)
		}
		out := make([]float32, dim)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return out, nil
	}
	if bits > MaxBits {
		return nil, fmt.Errorf("%w: bit width %d", ErrDecompression, bits)
	}
	if len(body) < rangeSize || len(body)-rangeSize != packedLen(dim, bits) {
		return nil, fmt.Errorf("%w: quantized body is %d bytes", ErrDecompression, len(body))
	}
	lo := math.Float32frombits(binary.LittleEndian.Uint32(body[0:4]))
	hi := math.Float32frombits(binary.LittleEndian.Uint32(body[4:8]))
	codes := unpack(body[rangeSize:], dim, bits)
	levels := float64(uint32(1)<<bits - 1)
	span := float64(hi) - float64(lo)
	out := make([]float32, dim)
	for i, q := range codes {
		out[i] = float32(float64(lo) + float64(q)/levels*span)
	}
	return out, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// Ratio is the uncompressed float32 size of a dim-dimensional vector over compressedSize.
func Ratio(dim, compressedSize int) float64 {
	if compressedSize <= 0 {
		return 0
	}
	return float64(dim*float32Length) / float64(compressedSize)
}

// MaxError is the per-component round-trip error bound, range/(2^bits-1). Lossless is 0.
func MaxError(vec []float32, bits int) float64 {
	if bits == 0 || len(vec) == 0 {
		return 0
	}
	lo, hi := bounds(vec)
	return (float64(hi) - float64(lo)) / float64(uint32(1)<<bits-1)
}

func writeHeader(buf []byte, bits, dim int) {
	buf[0] = magic0
	buf[1] = magic1
	buf[2] = version
	buf[3] = byte(bits)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dim))
}

func encodeRaw(vec []float32) []byte {
	buf := make([]byte, headerSize+len(vec)*float32Length)
	writeHeader(buf, 0, len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], math.Float32bits(v))
	}
	return buf
}

func encodeQuantized(vec []float32, bits int) []byte {
	lo, hi := bounds(vec)
	levels := float64(uint32(1)<<bits - 1)
	span := float64(hi) - float64(lo)
	codes := make([]uint32, len(vec))
	if span > 0 {
		for i, v := range vec {
			normalized := (float64(v) - float64(lo)) / span
			codes[i] = uint32(math.Round(normalized * levels))
		}
	}
	buf := make([]byte, headerSize+rangeSize, headerSize+rangeSize+packedLen(len(vec), bits))
	writeHeader(buf, bits, len(vec))
	binary.LittleEndian.PutUint32(buf[headerSize:], math.Float32bits(lo))
	binary.LittleEndian.PutUint32(buf[headerSize+4:], math.Float32bits(hi))
	return append(buf, pack(codes, bits)...)
}

func bounds(vec []float32) (float32, float32) {
	lo, hi := vec[0], vec[0]
	for _, v := range vec[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func packedLen(n, bits int) int {
	return (n*bits + 7) / 8
}

// pack writes codes LSB-first, bits at a time.
func pack(codes []uint32, bits int) []byte {
	out := make([]byte, packedLen(len(codes), bits))
	pos := 0
	for _, c := range codes {
		for b := 0; b < bits; b++ {
			if c&(1<<b) != 0 {
				out[pos>>3] |= 1 << (pos & 7)
			}
			pos++
		}
	}
	return out
}

func unpack(data []byte, n, bits int) []uint32 {
	out := make([]uint32, n)
	pos := 0
	for i := range out {
		var c uint32
		for b := 0; b < bits; b++ {
			if data[pos>>3]&(1<<(pos&7)) != 0 {
				c |= 1 << b
			}
			pos++
		}
		out[i] = c
	}
	return out
}
