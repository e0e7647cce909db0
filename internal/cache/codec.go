package cache

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vectors are stored as little-endian float32 bytes: 4 bytes per component,
// no header. Dimension is implicit in the length.

// EncodeVector serializes an embedding for caching.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a cached embedding.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector bytes not a multiple of 4: %d", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
