package loader_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/loader"
)

func TestIsUserCodeWithNoRangesTreatsEverythingAsUserCode(t *testing.T) {
	table := loader.New()
	require.False(t, table.HasRanges())
	require.True(t, table.IsUserCode(0x1234))
}

func TestRegisterCodeRangeAndIsUserCode(t *testing.T) {
	table := loader.New()
	table.RegisterCodeRange(0x401000, 0x1000)
	require.True(t, table.HasRanges())
	require.True(t, table.IsUserCode(0x401500))
	require.False(t, table.IsUserCode(0x500000))
}

func TestToStaticWithoutBiasIsIdentity(t *testing.T) {
	table := loader.New()
	require.False(t, table.HasBias())
	require.Equal(t, lib.Address(0x1000), table.ToStatic(0x1000))
}

func TestSetBiasAndToStatic(t *testing.T) {
	table := loader.New()
	table.SetBias(0x555555000000)
	require.True(t, table.HasBias())
	require.Equal(t, lib.Address(0x401234), table.ToStatic(0x555555401234))
}

func TestFindSymbolByNameMissing(t *testing.T) {
	table := loader.New()
	require.Nil(t, table.FindSymbolByName("main"))
	require.Nil(t, table.FindSymbol(0x1000))
}
