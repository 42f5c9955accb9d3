package region

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/severinstrobl/edat/pkg/event"
)

func TestDefineAndCreate(t *testing.T) {
	m := NewManager()
	ty := m.DefineType(16)
	require.GreaterOrEqual(t, int(ty), int(event.ContextBase))
	require.True(t, m.IsContext(ty))
	require.False(t, m.IsContext(event.Int))

	block, idx, err := m.Create(ty)
	require.NoError(t, err)
	require.Len(t, block, 16)

	block[0] = 0xab
	resolved, err := m.Block(idx)
	require.NoError(t, err)
	require.Equal(t, byte(0xab), resolved[0], "block must alias the region")
}

func TestCreateUnknownType(t *testing.T) {
	m := NewManager()
	_, _, err := m.Create(event.Type(999))
	require.Error(t, err)
	_, err = m.Block(3)
	require.Error(t, err)
}
