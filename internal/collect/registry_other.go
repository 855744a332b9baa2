//go:build !windows
// +build !windows

package collect

import (
	"context"

	"edrcore/internal/telemetry"
)

// Registry has nothing to read outside Windows.
func Registry(context.Context) ([]telemetry.RegistryValue, error) {
	return nil, nil
}
