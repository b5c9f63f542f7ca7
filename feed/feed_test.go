package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusConnecting.Terminal())
	assert.False(t, StatusOpen.Terminal())

	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusTimeout.Terminal())
}
