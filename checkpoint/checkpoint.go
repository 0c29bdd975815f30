// Package checkpoint stores gru.Params in the safetensors format: an 8-byte
// little-endian header length, a JSON header describing every tensor, then
// the raw tensor bytes.
//
// The four tensors are named kernel, recurrent_kernel, bias and
// recurrent_bias. Input and hidden sizes travel in __metadata__ so a
// checkpoint can be loaded without knowing its shape in advance. Tensors are
// written as F16, F32 or F64; Load converts any of those, and BF16, to the
// requested precision.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/openfluke/gru/gru"
)

// ErrFormat reports a checkpoint that is truncated, malformed or does not
// describe a GRU layer.
var ErrFormat = errors.New("checkpoint: bad format")

// DType names a safetensors element type.
type DType string

const (
	F16  DType = "F16"
	BF16 DType = "BF16"
	F32  DType = "F32"
	F64  DType = "F64"
)

func (d DType) size() int {
	switch d {
	case F16, BF16:
		return 2
	case F32:
		return 4
	case F64:
		return 8
	}
	return 0
}

const formatName = "gru"

type tensorInfo struct {
	DType   DType `json:"dtype"`
	Shape   []int `json:"shape"`
	Offsets []int `json:"data_offsets"`
}

// Save writes p in its native precision.
func Save[T gru.Float](w io.Writer, p *gru.Params[T]) error {
	var zero T
	dtype := F32
	if _, ok := any(zero).(float64); ok {
		dtype = F64
	}
	return SaveAs(w, p, dtype)
}

// SaveAs writes p with every tensor stored as dtype, which must be F16, F32
// or F64. F16 rounds to nearest even.
func SaveAs[T gru.Float](w io.Writer, p *gru.Params[T], dtype DType) error {
	if dtype != F16 && dtype != F32 && dtype != F64 {
		return fmt.Errorf("checkpoint: cannot write dtype %s", dtype)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	tensors := p.Tensors()
	header := map[string]any{
		"__metadata__": map[string]string{
			"format":      formatName,
			"input_size":  strconv.Itoa(p.InputSize),
			"hidden_size": strconv.Itoa(p.HiddenSize),
		},
	}
	offset := 0
	for _, t := range tensors {
		n := len(t.Data) * dtype.size()
		header[t.Name] = tensorInfo{DType: dtype, Shape: t.Shape, Offsets: []int{offset, offset + n}}
		offset += n
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal header: %w", err)
	}

	buf := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(headerJSON)))
	copy(buf[8:], headerJSON)
	data := buf[8+len(headerJSON):]
	for _, t := range tensors {
		data = encode(data, t.Data, dtype)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	return nil
}

// encode writes values into dst and returns the unwritten remainder.
func encode[T gru.Float](dst []byte, values []T, dtype DType) []byte {
	for _, v := range values {
		switch dtype {
		case F64:
			binary.LittleEndian.PutUint64(dst, math.Float64bits(float64(v)))
		case F32:
			binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
		case F16:
			binary.LittleEndian.PutUint16(dst, float16Bits(float32(v)))
		}
		dst = dst[dtype.size():]
	}
	return dst
}

// Load reads a checkpoint written by Save, converting every tensor to T.
func Load[T gru.Float](r io.Reader) (*gru.Params[T], error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("need 8 header-size bytes, have %d: %w", len(raw), ErrFormat)
	}
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	if headerSize > uint64(len(raw)-8) {
		return nil, fmt.Errorf("header size %d exceeds %d available bytes: %w", headerSize, len(raw)-8, ErrFormat)
	}
	headerBytes := raw[8 : 8+headerSize]
	data := raw[8+headerSize:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parse header: %v: %w", err, ErrFormat)
	}

	input, hidden, err := readSizes(header["__metadata__"])
	if err != nil {
		return nil, err
	}
	p := gru.NewParams[T](input, hidden)
	for _, t := range p.Tensors() {
		msg, ok := header[t.Name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %q: %w", t.Name, ErrFormat)
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %q: %v: %w", t.Name, err, ErrFormat)
		}
		if err := decode(t.Data, t.Shape, info, data); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
		}
	}
	return p, nil
}

func readSizes(msg json.RawMessage) (input, hidden int, err error) {
	if msg == nil {
		return 0, 0, fmt.Errorf("missing __metadata__: %w", ErrFormat)
	}
	var meta map[string]string
	if err := json.Unmarshal(msg, &meta); err != nil {
		return 0, 0, fmt.Errorf("metadata: %v: %w", err, ErrFormat)
	}
	if f := meta["format"]; f != formatName {
		return 0, 0, fmt.Errorf("format %q, want %q: %w", f, formatName, ErrFormat)
	}
	input, err1 := strconv.Atoi(meta["input_size"])
	hidden, err2 := strconv.Atoi(meta["hidden_size"])
	if err1 != nil || err2 != nil || input < 1 || hidden < 1 {
		return 0, 0, fmt.Errorf("sizes %q, %q: %w", meta["input_size"], meta["hidden_size"], ErrFormat)
	}
	return input, hidden, nil
}

func decode[T gru.Float](dst []T, shape []int, info tensorInfo, data []byte) error {
	if !slices.Equal(info.Shape, shape) {
		return fmt.Errorf("shape %v, want %v: %w", info.Shape, shape, ErrFormat)
	}
	size := info.DType.size()
	if size == 0 {
		return fmt.Errorf("unsupported dtype %q: %w", info.DType, ErrFormat)
	}
	if len(info.Offsets) != 2 {
		return fmt.Errorf("data_offsets %v: %w", info.Offsets, ErrFormat)
	}
	start, end := info.Offsets[0], info.Offsets[1]
	if start < 0 || end > len(data) || end-start != len(dst)*size {
		return fmt.Errorf("data_offsets %v for %d %s elements in %d bytes: %w", info.Offsets, len(dst), info.DType, len(data), ErrFormat)
	}

	b := data[start:end]
	for i := range dst {
		switch info.DType {
		case F64:
			dst[i] = T(math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:])))
		case F32:
			dst[i] = T(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
		case F16:
			dst[i] = T(float16Value(binary.LittleEndian.Uint16(b[i*2:])))
		case BF16:
			dst[i] = T(bfloat16ToFloat32(binary.LittleEndian.Uint16(b[i*2:])))
		}
	}
	return nil
}

// SaveFile writes p to path.
func SaveFile[T gru.Float](path string, p *gru.Params[T]) error {
	var buf bytes.Buffer
	if err := Save(&buf, p); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// LoadFile reads the checkpoint at path.
func LoadFile[T gru.Float](path string) (*gru.Params[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	return Load[T](f)
}
