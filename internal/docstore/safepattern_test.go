package docstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSafePatternEscapesRegexMetacharacters(t *testing.T) {
	re, tokens := BuildSafePattern("a.b* (c)", 8)
	require.NotNil(t, re)
	assert.Equal(t, []string{"a.b*", "(c)"}, tokens)
	assert.True(t, re.MatchString("a.b*"))
	assert.False(t, re.MatchString("axb"), "literal dot/star must not behave as regex metacharacters")
}

func TestBuildSafePatternCapsTokenCount(t *testing.T) {
	_, tokens := BuildSafePattern(strings.Repeat("tok ", 100), 5)
	assert.Len(t, tokens, 5)
}

func TestBuildSafePatternEmptyInput(t *testing.T) {
	re, tokens := BuildSafePattern("   ", 8)
	assert.Nil(t, re)
	assert.Nil(t, tokens)
}
