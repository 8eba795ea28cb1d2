package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cvflow/pkg/flow"
)

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "cvflow",
			envPrefix:  "CVFLOW",
			configName: "cvflow",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "CVFLOW",
			configName: "cvflow",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "cvflow",
			envPrefix:  "",
			configName: "cvflow",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "cvflow",
			envPrefix:  "CVFLOW",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCatalogHealthChecker(t *testing.T) {
	t.Run("nil catalog", func(t *testing.T) {
		err := catalogHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "flow catalog is empty")
	})

	t.Run("default catalog", func(t *testing.T) {
		c, err := flow.Default()
		require.NoError(t, err)
		assert.NoError(t, catalogHealthChecker{catalog: c}.CheckHealth(context.Background()))
	})
}

func TestParseDelay(t *testing.T) {
	d, err := parseDelay("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = parseDelay("0s")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = parseDelay("-1s")
	require.Error(t, err)

	_, err = parseDelay("soon")
	require.Error(t, err)
}
