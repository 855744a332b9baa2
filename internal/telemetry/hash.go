package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"os"
)

// ErrEmpty is returned by Entropy when there was nothing to read. Callers
// map it to an absent field.
var ErrEmpty = errors.New("telemetry: no data")

// HashFile computes the hex SHA-256 of the whole file. The file is streamed
// through a fixed buffer, so size only bounds time, never memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entropy computes the Shannon entropy (bits per byte) of at most limit
// bytes read from r (limit <= 0 reads everything). It returns ErrEmpty when
// there was nothing to read.
func Entropy(r io.Reader, limit int64) (float64, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}

	var counts [256]uint64
	var total uint64
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			counts[b]++
		}
		total += uint64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if total == 0 {
		return 0, ErrEmpty
	}

	var ent float64
	length := float64(total)
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / length
		ent -= p * math.Log2(p)
	}
	return ent, nil
}

// FileEntropy opens path and computes Entropy over at most limit bytes.
func FileEntropy(path string, limit int64) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Entropy(f, limit)
}
