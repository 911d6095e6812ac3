package xid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mostrador/backend/internal/domain"
)

func TestTemporaryIDsAreUniqueAndNeverCanonical(t *testing.T) {
	a, b := Temporary(), Temporary()

	assert.NotEqual(t, a, b)
	assert.True(t, IsTemporary(a))
	assert.False(t, domain.IsCanonicalID(a))
	assert.False(t, IsTemporary("3f1c2a10-5b7e-4c1a-9d2e-000000000001"))
}
