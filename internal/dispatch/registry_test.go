package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrderAndLookup(t *testing.T) {
	reg, err := NewRegistry(&fakeRuntime{name: "cli"}, &fakeRuntime{name: "http"}, MockRuntime{})
	require.NoError(t, err)

	assert.Equal(t, []string{"cli", "http", "mock"}, reg.Names())

	rt, ok := reg.Get("http")
	require.True(t, ok)
	assert.Equal(t, "http", rt.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicatesAndReserved(t *testing.T) {
	_, err := NewRegistry(&fakeRuntime{name: "cli"}, &fakeRuntime{name: "cli"})
	assert.Error(t, err)

	_, err = NewRegistry(&fakeRuntime{name: RuntimeNone})
	assert.Error(t, err)

	_, err = NewRegistry(&fakeRuntime{name: ""})
	assert.Error(t, err)
}

func TestRegistrySetOrder(t *testing.T) {
	reg, err := NewRegistry(&fakeRuntime{name: "cli"}, &fakeRuntime{name: "http"}, &fakeRuntime{name: "llm"})
	require.NoError(t, err)

	require.NoError(t, reg.SetOrder([]string{"llm"}))
	assert.Equal(t, []string{"llm", "cli", "http"}, reg.Names())

	assert.Error(t, reg.SetOrder([]string{"ghost"}))
	assert.Error(t, reg.SetOrder([]string{"cli", "cli"}))
	assert.Equal(t, []string{"llm", "cli", "http"}, reg.Names(), "failed reorder leaves order intact")

	ordered := reg.Ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, "llm", ordered[0].Name())
}
