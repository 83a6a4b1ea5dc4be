package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratePeerIDHasAzureusPrefixAndIsUnique(t *testing.T) {
	a := generatePeerID()
	b := generatePeerID()

	assert.Equal(t, "-GL0001-", string(a[:8]))
	assert.Len(t, a, 20)
	assert.NotEqual(t, a, b, "successive peer IDs should differ")
}
