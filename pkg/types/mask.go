package types

import (
	"encoding/hex"
	"fmt"
	"math/bits"
)

// MaxLuns is the number of LUNs addressable per device.
const MaxLuns = 256

const maskWords = MaxLuns / 64

// LunMaskSize is the encoded size of a LunMask in bytes.
const LunMaskSize = MaxLuns / 8

// LunMask is a per-LUN bitset. The zero value has no bits set.
type LunMask [maskWords]uint64

func (m *LunMask) Set(lun int) {
	if lun < 0 || lun >= MaxLuns {
		return
	}
	m[lun/64] |= 1 << uint(lun%64)
}

func (m *LunMask) Clear(lun int) {
	if lun < 0 || lun >= MaxLuns {
		return
	}
	m[lun/64] &^= 1 << uint(lun%64)
}

func (m LunMask) Has(lun int) bool {
	if lun < 0 || lun >= MaxLuns {
		return false
	}
	return m[lun/64]&(1<<uint(lun%64)) != 0
}

// Count returns the number of set bits.
func (m LunMask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// IsSubsetOf reports whether every bit of m is also set in other.
func (m LunMask) IsSubsetOf(other LunMask) bool {
	for i := range m {
		if m[i]&^other[i] != 0 {
			return false
		}
	}
	return true
}

// Luns lists the set LUN numbers in ascending order.
func (m LunMask) Luns() []int {
	var out []int
	for i, w := range m {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, i*64+b)
			w &^= 1 << uint(b)
		}
	}
	return out
}

// Bytes encodes the mask with LUN 0 in the least significant bit of byte 0.
func (m LunMask) Bytes() []byte {
	out := make([]byte, LunMaskSize)
	for lun := 0; lun < MaxLuns; lun++ {
		if m.Has(lun) {
			out[lun/8] |= 1 << uint(lun%8)
		}
	}
	return out
}

// LunMaskFromBytes decodes a mask produced by Bytes. Shorter input is zero-extended.
func LunMaskFromBytes(b []byte) (LunMask, error) {
	var m LunMask
	if len(b) > LunMaskSize {
		return m, fmt.Errorf("%w: mask is %d bytes, max %d", ErrInvalidParam, len(b), LunMaskSize)
	}
	for i, v := range b {
		for bit := 0; bit < 8; bit++ {
			if v&(1<<uint(bit)) != 0 {
				m.Set(i*8 + bit)
			}
		}
	}
	return m, nil
}

func (m LunMask) String() string {
	return hex.EncodeToString(m.Bytes())
}

func (m LunMask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *LunMask) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	decoded, err := LunMaskFromBytes(b)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// PathMasks are the per-LUN masks of one path that administration may set.
// A LUN that is enabled but masked is known on the path and carries no I/O.
type PathMasks struct {
	Enabled   LunMask `json:"enabled"`
	Preferred LunMask `json:"preferred"`
	Masked    LunMask `json:"masked"`
}

// Intersects reports whether m and other share a set bit.
func (m LunMask) Intersects(other LunMask) bool {
	for i := range m {
		if m[i]&other[i] != 0 {
			return true
		}
	}
	return false
}
