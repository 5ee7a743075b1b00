package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerIdentityIsUniquePerProcessInstance(t *testing.T) {
	t.Parallel()

	a, b := workerIdentity(), workerIdentity()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestNewAppRejectsMissingConfigFile(t *testing.T) {
	t.Parallel()

	_, err := NewApp(context.Background(), "/does/not/exist.yaml")
	require.Error(t, err)
}
