package buildinfo_test

import (
	"testing"

	"github.com/formsally/allybridge/buildinfo"
	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	t.Parallel()

	// Falls back to "unknown" outside a released build, but never empty.
	assert.NotEmpty(t, buildinfo.Version())
}
