// Package word256 provides the fixed-width 256-bit word used by the virtual
// machine and account balances. All arithmetic wraps modulo 2^256 and division
// or modulo by zero yields zero; both behaviors are required by the execution
// semantics and must not be turned into errors.
package word256

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Size is the width of a word in bytes.
const Size = 32

// ErrInvalidWidth is returned when constructing a word from more than 32 bytes.
var ErrInvalidWidth = errors.New("word256: byte representation wider than 32 bytes")

// Word256 is an unsigned 256-bit integer. The signed operations (SDiv, SMod,
// SLt, SGt, SRsh, SignExtend) reinterpret the same bits as two's complement.
// Words are immutable values: every operation returns a new word.
type Word256 struct {
	n uint256.Int
}

var (
	Zero = Word256{}
	One  = FromUint64(1)
	// MaxValue is 2^256 - 1, the all-ones word.
	MaxValue = func() Word256 {
		var w Word256
		w.n.SetAllOne()
		return w
	}()
)

// FromUint64 returns the word holding v.
func FromUint64(v uint64) Word256 {
	var w Word256
	w.n.SetUint64(v)
	return w
}

// FromInt64 returns the two's complement word for v. Negative values become
// their 256-bit two's complement representation.
func FromInt64(v int64) Word256 {
	if v >= 0 {
		return FromUint64(uint64(v))
	}
	var w Word256
	w.n.SetUint64(uint64(-v))
	w.n.Neg(&w.n)
	return w
}

// FromBytes interprets b as a big-endian unsigned integer. It fails with
// ErrInvalidWidth when b is longer than 32 bytes; shorter inputs are
// zero-padded on the left.
func FromBytes(b []byte) (Word256, error) {
	if len(b) > Size {
		return Word256{}, fmt.Errorf("%w: got %d", ErrInvalidWidth, len(b))
	}
	var w Word256
	w.n.SetBytes(b)
	return w, nil
}

// MustFromBytes is FromBytes for inputs known to be at most 32 bytes.
func MustFromBytes(b []byte) Word256 {
	w, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return w
}

// FromBig converts v mod 2^256. The second return reports whether v overflowed
// the word width or was negative.
func FromBig(v *big.Int) (Word256, bool) {
	var w Word256
	overflow := w.n.SetFromBig(v)
	return w, overflow
}

// Bytes32 returns the canonical 32-byte big-endian representation.
func (w Word256) Bytes32() [32]byte {
	return w.n.Bytes32()
}

// Bytes returns the minimal big-endian representation, empty for zero.
func (w Word256) Bytes() []byte {
	return w.n.Bytes()
}

// ByteSize is the number of bytes in the minimal representation, 0 for zero.
func (w Word256) ByteSize() int {
	return w.n.ByteLen()
}

// Uint64 returns the low 64 bits.
func (w Word256) Uint64() uint64 {
	return w.n.Uint64()
}

// IsUint64 reports whether the word fits in a uint64.
func (w Word256) IsUint64() bool {
	return w.n.IsUint64()
}

// ToBig returns the unsigned value as a big.Int.
func (w Word256) ToBig() *big.Int {
	return w.n.ToBig()
}

func (w Word256) IsZero() bool {
	return w.n.IsZero()
}

func (w Word256) String() string {
	return w.n.Hex()
}

// Arithmetic. All operations wrap modulo 2^256.

func (w Word256) Add(o Word256) Word256 {
	var r Word256
	r.n.Add(&w.n, &o.n)
	return r
}

func (w Word256) Sub(o Word256) Word256 {
	var r Word256
	r.n.Sub(&w.n, &o.n)
	return r
}

func (w Word256) Mul(o Word256) Word256 {
	var r Word256
	r.n.Mul(&w.n, &o.n)
	return r
}

// Div is unsigned division; division by zero yields zero.
func (w Word256) Div(o Word256) Word256 {
	var r Word256
	r.n.Div(&w.n, &o.n)
	return r
}

// SDiv is signed (two's complement) division; division by zero yields zero.
func (w Word256) SDiv(o Word256) Word256 {
	var r Word256
	r.n.SDiv(&w.n, &o.n)
	return r
}

// Mod is the unsigned remainder; modulo zero yields zero.
func (w Word256) Mod(o Word256) Word256 {
	var r Word256
	r.n.Mod(&w.n, &o.n)
	return r
}

// SMod is the signed remainder (sign follows the dividend); modulo zero yields zero.
func (w Word256) SMod(o Word256) Word256 {
	var r Word256
	r.n.SMod(&w.n, &o.n)
	return r
}

// AddMod returns (w + o) mod m with unbounded intermediate precision.
// A zero modulus yields zero.
func (w Word256) AddMod(o, m Word256) Word256 {
	var r Word256
	r.n.AddMod(&w.n, &o.n, &m.n)
	return r
}

// MulMod returns (w * o) mod m with unbounded intermediate precision.
// A zero modulus yields zero.
func (w Word256) MulMod(o, m Word256) Word256 {
	var r Word256
	r.n.MulMod(&w.n, &o.n, &m.n)
	return r
}

// Exp returns w ** o mod 2^256.
func (w Word256) Exp(o Word256) Word256 {
	var r Word256
	r.n.Exp(&w.n, &o.n)
	return r
}

// Neg returns the two's complement negation.
func (w Word256) Neg() Word256 {
	var r Word256
	r.n.Neg(&w.n)
	return r
}

// Bitwise.

func (w Word256) And(o Word256) Word256 {
	var r Word256
	r.n.And(&w.n, &o.n)
	return r
}

func (w Word256) Or(o Word256) Word256 {
	var r Word256
	r.n.Or(&w.n, &o.n)
	return r
}

func (w Word256) Xor(o Word256) Word256 {
	var r Word256
	r.n.Xor(&w.n, &o.n)
	return r
}

func (w Word256) Not() Word256 {
	var r Word256
	r.n.Not(&w.n)
	return r
}

// Shifts. The shift amount is itself a word; shifting by 256 or more yields
// zero for the logical shifts and zero or all-ones for the arithmetic right
// shift, depending on the sign bit.

// Lsh is the logical left shift w << o.
func (w Word256) Lsh(o Word256) Word256 {
	if !o.n.LtUint64(256) {
		return Word256{}
	}
	var r Word256
	r.n.Lsh(&w.n, uint(o.n.Uint64()))
	return r
}

// Rsh is the logical right shift w >>> o.
func (w Word256) Rsh(o Word256) Word256 {
	if !o.n.LtUint64(256) {
		return Word256{}
	}
	var r Word256
	r.n.Rsh(&w.n, uint(o.n.Uint64()))
	return r
}

// SRsh is the arithmetic (sign-extending) right shift w >> o.
func (w Word256) SRsh(o Word256) Word256 {
	var r Word256
	if !o.n.LtUint64(256) {
		if w.n.Sign() < 0 {
			r.n.SetAllOne()
		}
		return r
	}
	r.n.SRsh(&w.n, uint(o.n.Uint64()))
	return r
}

// SignExtend treats w as a signed integer occupying byteIndex+1 bytes and
// extends its sign bit to the full width. Indices of 31 and above, as well as
// "negative" indices (sign bit set), leave w unchanged.
func (w Word256) SignExtend(byteIndex Word256) Word256 {
	if byteIndex.n.Sign() < 0 || !byteIndex.n.LtUint64(31) {
		return w
	}
	var r Word256
	r.n.ExtendSign(&w.n, &byteIndex.n)
	return r
}

// GetByte returns the byte of w at position index counted from the most
// significant byte. Out-of-range indices (including "negative" words) yield
// zero.
func (w Word256) GetByte(index Word256) Word256 {
	var r Word256
	r.n.Set(&w.n)
	r.n.Byte(&index.n) // uint256.Byte already zeroes for index >= 32
	return r
}

// Comparisons. Eq, Lt, Gt and friends compare unsigned; SLt and SGt compare
// the two's complement interpretation.

func (w Word256) Eq(o Word256) bool  { return w.n.Eq(&o.n) }
func (w Word256) Lt(o Word256) bool  { return w.n.Lt(&o.n) }
func (w Word256) Gt(o Word256) bool  { return w.n.Gt(&o.n) }
func (w Word256) Leq(o Word256) bool { return !w.n.Gt(&o.n) }
func (w Word256) Geq(o Word256) bool { return !w.n.Lt(&o.n) }
func (w Word256) SLt(o Word256) bool { return w.n.Slt(&o.n) }
func (w Word256) SGt(o Word256) bool { return w.n.Sgt(&o.n) }

// Sign returns 0 for zero, 1 for a positive and -1 for a negative two's
// complement interpretation.
func (w Word256) Sign() int {
	return w.n.Sign()
}

// Cmp compares unsigned: -1 if w < o, 0 if equal, 1 if w > o.
func (w Word256) Cmp(o Word256) int {
	return w.n.Cmp(&o.n)
}

// EncodeRLP encodes the word as its minimal big-endian byte string, matching
// the canonical integer encoding.
func (w Word256) EncodeRLP(out io.Writer) error {
	return rlp.Encode(out, w.n.Bytes())
}

// DecodeRLP decodes a byte string of at most 32 bytes.
func (w *Word256) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	if len(b) > Size {
		return ErrInvalidWidth
	}
	w.n.SetBytes(b)
	return nil
}
