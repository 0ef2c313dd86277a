package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/pybridge/pkg/datasource"
)

func TestRegistry_Unit_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("demo", datasource.Definition{Payload: []byte("v1"), EntryPoint: "DemoSource"})

	reg, err := r.Resolve("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", reg.Name)
	assert.Equal(t, []byte("v1"), reg.Definition.Payload)
	assert.True(t, r.Exists("demo"))
	assert.False(t, r.Exists("other"))
}

func TestRegistry_Unit_ResolveUnknownIsNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("missing")
	require.Error(t, err)
	assert.Equal(t, datasource.CodeNotFound, datasource.CodeOf(err))
}

func TestRegistry_Unit_SecondRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("demo", datasource.Definition{Payload: []byte("v1"), EntryPoint: "A"})
	r.Register("demo", datasource.Definition{Payload: []byte("v2"), EntryPoint: "B"})

	reg, err := r.Resolve("demo")
	require.NoError(t, err)
	// Only the new definition is visible, never a mix of the two.
	assert.Equal(t, []byte("v2"), reg.Definition.Payload)
	assert.Equal(t, "B", reg.Definition.EntryPoint)
}

func TestRegistry_Unit_ConcurrentLastWriteWins(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("payload-%d", i))
			r.Register("demo", datasource.Definition{Payload: payload, EntryPoint: fmt.Sprintf("entry-%d", i)})
			if reg, err := r.Resolve("demo"); err == nil {
				// Every observed entry must be internally consistent.
				var n int
				fmt.Sscanf(reg.Definition.EntryPoint, "entry-%d", &n)
				assert.Equal(t, fmt.Sprintf("payload-%d", n), string(reg.Definition.Payload))
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, r.Exists("demo"))
}

func TestRegistry_Unit_ClearDropsEverything(t *testing.T) {
	r := NewRegistry()
	r.Register("a", datasource.Definition{})
	r.Register("b", datasource.Definition{})
	require.Len(t, r.Names(), 2)

	r.Clear()
	assert.Empty(t, r.Names())
	assert.False(t, r.Exists("a"))
}
