//go:build windows
// +build windows

package collect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/windows/registry"

	"edrcore/internal/telemetry"
)

type autorunKey struct {
	hive registry.Key
	name string
	path string
}

var autorunKeys = []autorunKey{
	{registry.LOCAL_MACHINE, "HKLM", `SOFTWARE\Microsoft\Windows\CurrentVersion\Run`},
	{registry.LOCAL_MACHINE, "HKLM", `SOFTWARE\Microsoft\Windows\CurrentVersion\RunOnce`},
	{registry.LOCAL_MACHINE, "HKLM", `SOFTWARE\Wow6432Node\Microsoft\Windows\CurrentVersion\Run`},
	{registry.CURRENT_USER, "HKCU", `SOFTWARE\Microsoft\Windows\CurrentVersion\Run`},
	{registry.CURRENT_USER, "HKCU", `SOFTWARE\Microsoft\Windows\CurrentVersion\RunOnce`},
}

// Registry reads the values under the HKLM and HKCU autorun keys. Keys
// that do not exist or cannot be opened are skipped.
func Registry(ctx context.Context) ([]telemetry.RegistryValue, error) {
	var out []telemetry.RegistryValue
	var errs []error
	for _, k := range autorunKeys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		vals, err := readAutorunKey(k)
		if err != nil {
			if !errors.Is(err, registry.ErrNotExist) {
				errs = append(errs, fmt.Errorf("%s\\%s: %w", k.name, k.path, err))
			}
			continue
		}
		out = append(out, vals...)
	}
	return out, errors.Join(errs...)
}

func readAutorunKey(k autorunKey) ([]telemetry.RegistryValue, error) {
	key, err := registry.OpenKey(k.hive, k.path, registry.QUERY_VALUE)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	names, err := key.ReadValueNames(-1)
	if err != nil {
		return nil, err
	}

	keyPath := k.name + `\` + k.path
	out := make([]telemetry.RegistryValue, 0, len(names))
	for _, name := range names {
		data, typ, err := readValue(key, name)
		if err != nil {
			continue
		}
		out = append(out, telemetry.RegistryValue{
			KeyPath:   keyPath,
			ValueName: name,
			Data:      data,
			ValueType: telemetry.Ptr(typ),
		})
	}
	return out, nil
}

func readValue(key registry.Key, name string) (string, string, error) {
	_, valtype, err := key.GetValue(name, nil)
	if err != nil {
		return "", "", err
	}
	switch valtype {
	case registry.SZ, registry.EXPAND_SZ:
		s, _, err := key.GetStringValue(name)
		typ := "REG_SZ"
		if valtype == registry.EXPAND_SZ {
			typ = "REG_EXPAND_SZ"
		}
		return s, typ, err
	case registry.MULTI_SZ:
		ss, _, err := key.GetStringsValue(name)
		return strings.Join(ss, " "), "REG_MULTI_SZ", err
	case registry.DWORD, registry.QWORD:
		n, _, err := key.GetIntegerValue(name)
		typ := "REG_DWORD"
		if valtype == registry.QWORD {
			typ = "REG_QWORD"
		}
		return strconv.FormatUint(n, 10), typ, err
	case registry.BINARY:
		b, _, err := key.GetBinaryValue(name)
		return fmt.Sprintf("%x", b), "REG_BINARY", err
	}
	return "", "", fmt.Errorf("unsupported value type %d", valtype)
}
