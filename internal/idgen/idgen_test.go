package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.NotEqual(t, id, New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("req_")
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+32)
	assert.NotContains(t, id, "-")
}

func TestConsumer(t *testing.T) {
	name := Consumer("scorer-7")
	assert.True(t, strings.HasPrefix(name, "scorer-7-"))
	assert.Len(t, name, len("scorer-7-")+8)
	assert.NotEqual(t, name, Consumer("scorer-7"))

	assert.True(t, strings.HasPrefix(Consumer(" "), "riskd-"))
}
