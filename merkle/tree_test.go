package merkle

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleTree(t *testing.T) {
	zeroTree := Leaf(ZeroDigest)
	require.True(t, zeroTree.Equal(Zeroed()))
	require.Equal(t, ZeroDigest, zeroTree.RootHash())
	require.Equal(t, uint32(0), zeroTree.Height())
	_, _, ok := zeroTree.Subtrees()
	require.False(t, ok)

	one, err := DigestFromHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	oneTree := Leaf(one)
	require.Equal(t, one, oneTree.RootHash())
	require.Equal(t, uint32(0), oneTree.Height())
}

func TestBuilderPowerOfTwoRun(t *testing.T) {
	b := NewBuilder()
	b.AppendRepeated(ZeroDigest, 2)
	b.AppendRepeated(ZeroDigest, uint64(1)<<20-2)
	tree, err := b.Build()
	require.NoError(t, err)

	proof, err := tree.ProveLeaf(big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, ZeroDigest, proof.Node)
}

func TestProveLeafRoundTrip(t *testing.T) {
	one, err := DigestFromHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)

	b := NewBuilder()
	for i := 0; i < 8; i++ {
		b.Append(one)
		b.Append(ZeroDigest)
	}
	tree, err := b.Build()
	require.NoError(t, err)

	for i := int64(0); i < 4; i++ {
		proof, err := tree.ProveLeaf(big.NewInt(i))
		require.NoError(t, err)
		require.True(t, proof.VerifyRoot(tree.RootHash()))
	}
}

func TestProveLeafAgainstExplicitRoot(t *testing.T) {
	hexes := []string{
		"0x0000000000000000000000000000000000000000000000000000000000000000",
		"0x0000000000000000000000000000000000000000000000000000000000000001",
		"0x0000000000000000000000000000000000000000000000000000000000000002",
		"0x0000000000000000000000000000000000000000000000000000000000000003",
	}
	var hashes [4]Digest
	for i, h := range hexes {
		d, err := DigestFromHex(h)
		require.NoError(t, err)
		hashes[i] = d
	}

	root := hashes[0].Join(hashes[1]).Join(hashes[2].Join(hashes[3]))

	b := NewBuilder()
	for _, h := range hashes {
		b.Append(h)
	}
	tree, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, root, tree.RootHash())

	for i := int64(0); i < 4; i++ {
		proof, err := tree.ProveLeaf(big.NewInt(i))
		require.NoError(t, err)
		require.True(t, proof.VerifyRoot(root))
	}
}

func TestProveLast(t *testing.T) {
	b := NewBuilder()
	b.AppendRepeated(ZeroDigest, 2)
	b.AppendRepeated(ZeroDigest, uint64(1)<<20-2)
	tree, err := b.Build()
	require.NoError(t, err)

	proof, err := tree.ProveLast()
	require.NoError(t, err)

	root := proof.Node
	for _, sibling := range proof.Siblings {
		root = sibling.Join(root)
	}
	require.Equal(t, tree.RootHash(), root)
}

func TestFindChild(t *testing.T) {
	one, err := DigestFromHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)

	b := NewBuilder()
	b.Append(one)
	b.Append(ZeroDigest)
	tree, err := b.Build()
	require.NoError(t, err)

	left, _, ok := tree.Subtrees()
	require.True(t, ok)

	found, ok := tree.FindChild(left.RootHash())
	require.True(t, ok)
	require.True(t, found.Equal(left))

	_, ok = tree.FindChild(FromData([]byte("not present")))
	require.False(t, ok)
}

func TestAppendRepeatedZeroCountFails(t *testing.T) {
	b := NewBuilder()
	err := b.AppendRepeated(ZeroDigest, 0)
	require.Error(t, err)
}

func TestJoinHeightMismatch(t *testing.T) {
	leaf := Leaf(ZeroDigest)
	taller, err := Join(leaf, leaf)
	require.NoError(t, err)

	_, err = Join(leaf, taller)
	require.Error(t, err)
}
