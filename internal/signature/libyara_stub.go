//go:build !yara
// +build !yara

package signature

func compileLibyara(string, *compileOptions) (Backend, error) {
	return nil, ErrLibyaraUnavailable
}
