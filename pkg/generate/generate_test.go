package generate

import (
	"testing"

	"github.com/pactflow/pact-protobuf-plugin/pkg/matching"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogue_PutLookupOrder(t *testing.T) {
	c := NewCatalogue()
	p1 := matching.Path{}.Field(1)
	p2 := matching.Path{}.Field(2)
	c.Put(p2, Generator{Kind: KindUUID})
	c.Put(p1, Generator{Kind: KindRandomBoolean})

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, p2.String(), entries[0].Path.String())

	gen, ok := c.Lookup(p1)
	require.True(t, ok)
	assert.Equal(t, KindRandomBoolean, gen.Kind)
}

func TestApply_UUID(t *testing.T) {
	v, err := Apply(Generator{Kind: KindUUID}, Context{})
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok)
	assert.Len(t, s, 36)
}

func TestApply_MockServerURL(t *testing.T) {
	v, err := Apply(Generator{Kind: KindMockServerURL}, Context{MockServerURL: "127.0.0.1:50051"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:50051", v)
}

func TestApply_ProviderStateFoundInContext(t *testing.T) {
	v, err := Apply(Generator{Kind: KindProviderState, Expression: "userId", Default: 0}, Context{
		ProviderState: map[string]any{"userId": 99},
	})
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestApply_ProviderStateMissingFallsBackToDefault(t *testing.T) {
	v, err := Apply(Generator{Kind: KindProviderState, Expression: "missing", Default: "fallback"}, Context{
		ProviderState: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestApply_RandomStringLength(t *testing.T) {
	v, err := Apply(Generator{Kind: KindRandomString, Length: 12}, Context{})
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok)
	assert.Len(t, s, 12)
}

func TestApply_RandomHexadecimal(t *testing.T) {
	v, err := Apply(Generator{Kind: KindRandomHexadecimal, Length: 8}, Context{})
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok)
	assert.Len(t, s, 8)
	for _, r := range s {
		assert.Contains(t, hexAlphabet, string(r))
	}
}

func TestApply_RandomFromRegex(t *testing.T) {
	v, err := Apply(Generator{Kind: KindRandomString, Pattern: `[a-z]{3}-\d{2}`}, Context{})
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok)
	assert.NotEmpty(t, s)
}

func TestApply_RandomBoolean(t *testing.T) {
	v, err := Apply(Generator{Kind: KindRandomBoolean}, Context{})
	require.NoError(t, err)
	_, ok := v.(bool)
	assert.True(t, ok)
}

func TestApply_DateTimeFormat(t *testing.T) {
	v, err := Apply(Generator{Kind: KindDate, Format: "yyyy-MM-dd"}, Context{})
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok)
	assert.Len(t, s, len("2026-08-06"))
}
