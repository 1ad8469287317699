package edgesync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultDeviceIDIsStable(t *testing.T) {
	first := DefaultDeviceID()
	require.NotEmpty(t, first)
	if strings.HasPrefix(first, "dev-") && len(first) == len("dev-")+12 {
		require.Equal(t, first, DefaultDeviceID())
	}
}

func TestShortHashAndSanitize(t *testing.T) {
	require.Len(t, shortHash("abc"), 12)
	require.Equal(t, shortHash("abc"), shortHash("abc"))
	require.NotEqual(t, shortHash("abc"), shortHash("abd"))
	require.Equal(t, "pos-terminal-2", sanitizeID(" POS_Terminal.2 "))
}
