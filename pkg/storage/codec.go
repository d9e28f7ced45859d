package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/holiman/uint256"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func encodeUint64(v uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid uint64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// amounts are stored as fixed 32-byte big-endian words
func encodeAmount(a *uint256.Int) []byte {
	b := a.Bytes32()
	return b[:]
}

func decodeAmount(b []byte) (uint256.Int, error) {
	var out uint256.Int
	if len(b) != 32 {
		return out, fmt.Errorf("invalid amount length: %d", len(b))
	}
	out.SetBytes32(b)
	return out, nil
}
