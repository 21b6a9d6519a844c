package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "devicetrust:autobind:session:s-1", BuildAutoBindSessionKey("s-1"))
	require.Equal(t, "a:b", NamespaceKey("a", "b"))
}
