package word256

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

func fromBigT(t *testing.T, v *big.Int) Word256 {
	t.Helper()
	w, overflow := FromBig(new(big.Int).Mod(v, two256))
	require.False(t, overflow)
	return w
}

func TestWrapAroundArithmetic(t *testing.T) {
	cases := []struct {
		a, b *big.Int
	}{
		{big.NewInt(0), big.NewInt(0)},
		{big.NewInt(1), big.NewInt(2)},
		{new(big.Int).Sub(two256, big.NewInt(1)), big.NewInt(1)}, // max + 1 wraps
		{new(big.Int).Sub(two256, big.NewInt(5)), new(big.Int).Sub(two256, big.NewInt(7))},
		{big.NewInt(0xdeadbeef), new(big.Int).Lsh(big.NewInt(0xcafe), 240)},
	}
	for _, c := range cases {
		a, b := fromBigT(t, c.a), fromBigT(t, c.b)

		want := new(big.Int).Mod(new(big.Int).Add(c.a, c.b), two256)
		assert.Equal(t, fromBigT(t, want), a.Add(b), "add %s + %s", c.a, c.b)

		want = new(big.Int).Mod(new(big.Int).Sub(c.a, c.b), two256)
		assert.Equal(t, fromBigT(t, want), a.Sub(b), "sub %s - %s", c.a, c.b)

		want = new(big.Int).Mod(new(big.Int).Mul(c.a, c.b), two256)
		assert.Equal(t, fromBigT(t, want), a.Mul(b), "mul %s * %s", c.a, c.b)

		assert.Equal(t, fromBigT(t, new(big.Int).And(c.a, c.b)), a.And(b))
		assert.Equal(t, fromBigT(t, new(big.Int).Or(c.a, c.b)), a.Or(b))
		assert.Equal(t, fromBigT(t, new(big.Int).Xor(c.a, c.b)), a.Xor(b))
	}
}

func TestDivModByZero(t *testing.T) {
	values := []Word256{Zero, One, FromUint64(42), MaxValue, FromInt64(-1)}
	for _, v := range values {
		assert.True(t, v.Div(Zero).IsZero(), "%s div 0", v)
		assert.True(t, v.SDiv(Zero).IsZero(), "%s sdiv 0", v)
		assert.True(t, v.Mod(Zero).IsZero(), "%s mod 0", v)
		assert.True(t, v.SMod(Zero).IsZero(), "%s smod 0", v)
		assert.True(t, v.AddMod(v, Zero).IsZero(), "%s addmod 0", v)
		assert.True(t, v.MulMod(v, Zero).IsZero(), "%s mulmod 0", v)
	}
}

func TestAddModMulModIntermediatePrecision(t *testing.T) {
	// max + max overflows 256 bits; the reduction must happen on the
	// unbounded intermediate value.
	m := FromUint64(10)
	maxBig := new(big.Int).Sub(two256, big.NewInt(1))
	wantAdd := new(big.Int).Mod(new(big.Int).Add(maxBig, maxBig), big.NewInt(10))
	assert.Equal(t, wantAdd.Uint64(), MaxValue.AddMod(MaxValue, m).Uint64())

	wantMul := new(big.Int).Mod(new(big.Int).Mul(maxBig, maxBig), big.NewInt(10))
	assert.Equal(t, wantMul.Uint64(), MaxValue.MulMod(MaxValue, m).Uint64())
}

func TestExp(t *testing.T) {
	assert.Equal(t, FromUint64(1024), FromUint64(2).Exp(FromUint64(10)))
	assert.Equal(t, One, FromUint64(12345).Exp(Zero))
	// 2^256 wraps to 0
	assert.True(t, FromUint64(2).Exp(FromUint64(256)).IsZero())
}

func TestShifts(t *testing.T) {
	x := FromUint64(0xff00)
	assert.Equal(t, FromUint64(0xff0000), x.Lsh(FromUint64(8)))
	assert.Equal(t, FromUint64(0xff), x.Rsh(FromUint64(8)))

	// Shifting by >= 256 saturates.
	assert.True(t, x.Lsh(FromUint64(256)).IsZero())
	assert.True(t, x.Rsh(FromUint64(256)).IsZero())
	assert.True(t, x.Lsh(MaxValue).IsZero())
	assert.True(t, x.Rsh(MaxValue).IsZero())

	// Arithmetic right shift fills with the sign bit.
	assert.Equal(t, FromInt64(-1), FromInt64(-2).SRsh(FromUint64(1)))
	assert.Equal(t, MaxValue, FromInt64(-1).SRsh(FromUint64(256)))
	assert.True(t, FromUint64(12345).SRsh(FromUint64(256)).IsZero())
	assert.Equal(t, FromUint64(0xff), x.SRsh(FromUint64(8)))
}

func TestSignedDivMod(t *testing.T) {
	assert.Equal(t, FromInt64(-3), FromInt64(-7).SDiv(FromInt64(2)))
	assert.Equal(t, FromInt64(3), FromInt64(-7).SDiv(FromInt64(-2)))
	// Remainder takes the dividend's sign.
	assert.Equal(t, FromInt64(-1), FromInt64(-7).SMod(FromInt64(2)))
	assert.Equal(t, FromInt64(1), FromInt64(7).SMod(FromInt64(-2)))
}

func TestSignExtend(t *testing.T) {
	x := FromUint64(0x1a81ff)

	got := x.SignExtend(FromUint64(1))
	b := got.Bytes32()
	for i := 0; i < 30; i++ {
		assert.Equal(t, byte(0xff), b[i], "byte %d", i)
	}
	assert.Equal(t, byte(0x81), b[30])
	assert.Equal(t, byte(0xff), b[31])

	// Positive sign bit: padding stays zero.
	assert.Equal(t, FromUint64(0x7f), FromUint64(0x7f).SignExtend(Zero))
	assert.Equal(t, FromInt64(-1).And(FromUint64(0xff)).SignExtend(Zero), FromInt64(-1))

	// Index >= 31 and "negative" index are no-ops.
	assert.Equal(t, x, x.SignExtend(FromUint64(31)))
	assert.Equal(t, x, x.SignExtend(FromUint64(1000)))
	assert.Equal(t, x, x.SignExtend(FromInt64(-1)))
}

func TestGetByte(t *testing.T) {
	w := MustFromBytes([]byte{0x01, 0x02, 0x03})
	// The minimal 3 bytes sit at positions 29..31 of the big-endian word.
	assert.Equal(t, FromUint64(0x01), w.GetByte(FromUint64(29)))
	assert.Equal(t, FromUint64(0x02), w.GetByte(FromUint64(30)))
	assert.Equal(t, FromUint64(0x03), w.GetByte(FromUint64(31)))
	assert.True(t, w.GetByte(FromUint64(0)).IsZero())

	// Out of range yields zero.
	assert.True(t, w.GetByte(FromUint64(32)).IsZero())
	assert.True(t, w.GetByte(FromInt64(-1)).IsZero())

	// The receiver is left intact.
	assert.Equal(t, MustFromBytes([]byte{0x01, 0x02, 0x03}), w)
}

func TestBytesRoundTrip(t *testing.T) {
	values := []Word256{Zero, One, FromUint64(0xdeadbeef), MaxValue, FromInt64(-42)}
	for _, v := range values {
		b := v.Bytes32()
		got, err := FromBytes(b[:])
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := FromBytes(make([]byte, 33))
	assert.ErrorIs(t, err, ErrInvalidWidth)
}

func TestByteSize(t *testing.T) {
	assert.Equal(t, 0, Zero.ByteSize())
	assert.Equal(t, 1, One.ByteSize())
	assert.Equal(t, 2, FromUint64(0x100).ByteSize())
	assert.Equal(t, 32, MaxValue.ByteSize())
}

func TestSignedComparisons(t *testing.T) {
	assert.True(t, FromInt64(-1).SLt(One))
	assert.True(t, One.SGt(FromInt64(-1)))
	assert.False(t, FromInt64(-1).Lt(One)) // unsigned: -1 is the max word
	assert.True(t, FromInt64(-2).SLt(FromInt64(-1)))
}
