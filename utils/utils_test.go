package utils_test

import (
	"testing"

	"github.com/formsally/allybridge/utils"
	"github.com/stretchr/testify/require"
)

func TestPtrTo(t *testing.T) {
	t.Parallel()

	v := utils.PtrTo("hi")
	require.NotNil(t, v)
	require.Equal(t, "hi", *v)
}
