package blockpool

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlidong/iotchain/types"
)

func testBlock(parent common.Hash, number uint64) *types.Block {
	body := &types.BlockBody{}
	return types.NewBlock(&types.BlockHeader{
		ParentHash: parent,
		OmmersHash: body.OmmersHash(),
		TxRoot:     body.TxRoot(),
		Number:     number,
		GasLimit:   8_000_000,
		Timestamp:  1700000000 + number,
	}, body)
}

// chain builds length linked blocks starting at number startNumber whose
// first parent is parent.
func chain(parent common.Hash, startNumber uint64, length int) []*types.Block {
	blocks := make([]*types.Block, 0, length)
	for i := 0; i < length; i++ {
		b := testBlock(parent, startNumber+uint64(i))
		blocks = append(blocks, b)
		parent = b.Hash()
	}
	return blocks
}

func TestAddBlock(t *testing.T) {
	p := New(DefaultMaxBlocksBehind, DefaultMaxBlocksAhead)
	b := testBlock(common.HexToHash("0x01"), 5)

	require.NotNil(t, p.AddBlock(b, 4))
	assert.True(t, p.Contains(b.Hash()))
	assert.Equal(t, 1, p.Len())

	// Duplicate insertion is rejected.
	assert.Nil(t, p.AddBlock(b, 4))
	assert.Equal(t, 1, p.Len())
}

func TestAddBlockBounds(t *testing.T) {
	p := New(10, 10)

	stale := testBlock(common.HexToHash("0x01"), 5)
	assert.Nil(t, p.AddBlock(stale, 15))

	ahead := testBlock(common.HexToHash("0x02"), 30)
	assert.Nil(t, p.AddBlock(ahead, 15))

	edge := testBlock(common.HexToHash("0x03"), 25)
	assert.NotNil(t, p.AddBlock(edge, 15))
}

func TestGetBranch(t *testing.T) {
	p := New(10, 10)
	blocks := chain(common.HexToHash("0xaa"), 1, 3)
	for _, b := range blocks {
		require.NotNil(t, p.AddBlock(b, 0))
	}

	branch := p.GetBranch(blocks[2].Hash(), false)
	require.Len(t, branch, 3)
	// Root-to-tip order.
	assert.Equal(t, blocks[0].Hash(), branch[0].Hash())
	assert.Equal(t, blocks[2].Hash(), branch[2].Hash())

	// Non-dequeuing walk leaves the pool intact.
	assert.Equal(t, 3, p.Len())

	branch = p.GetBranch(blocks[2].Hash(), true)
	require.Len(t, branch, 3)
	assert.Equal(t, 0, p.Len())
}

func TestGetBranchUnknownTop(t *testing.T) {
	p := New(10, 10)
	assert.Empty(t, p.GetBranch(common.HexToHash("0xff"), false))
}

func TestGetBranchStopsAtMissingParent(t *testing.T) {
	p := New(10, 10)
	blocks := chain(common.HexToHash("0xaa"), 1, 3)
	// Leave out the first block so the branch bottoms out at blocks[1].
	require.NotNil(t, p.AddBlock(blocks[1], 0))
	require.NotNil(t, p.AddBlock(blocks[2], 0))

	branch := p.GetBranch(blocks[2].Hash(), false)
	require.Len(t, branch, 2)
	assert.Equal(t, blocks[1].Hash(), branch[0].Hash())
}

func TestChildren(t *testing.T) {
	p := New(10, 10)
	parent := common.HexToHash("0xaa")
	b1 := testBlock(parent, 1)
	b2 := testBlock(parent, 1)
	b2.Header.ExtraData = []byte("fork")
	require.NotNil(t, p.AddBlock(b1, 0))
	require.NotNil(t, p.AddBlock(b2, 0))

	children := p.Children(parent)
	assert.ElementsMatch(t, []common.Hash{b1.Hash(), b2.Hash()}, children)
}

func TestEvictStale(t *testing.T) {
	p := New(10, 10)
	old := testBlock(common.HexToHash("0x01"), 1)
	require.NotNil(t, p.AddBlock(old, 1))

	// Insertion at a much higher best number sweeps the old entry.
	fresh := testBlock(common.HexToHash("0x02"), 20)
	require.NotNil(t, p.AddBlock(fresh, 20))

	assert.False(t, p.Contains(old.Hash()))
	assert.True(t, p.Contains(fresh.Hash()))
}

func TestGet(t *testing.T) {
	p := New(10, 10)
	b := testBlock(common.HexToHash("0x01"), 3)
	require.NotNil(t, p.AddBlock(b, 2))

	entry := p.Get(b.Hash())
	require.NotNil(t, entry)
	assert.Equal(t, uint64(2), entry.BestNumberAtInsert)
	assert.Nil(t, p.Get(common.HexToHash("0xff")))
}
