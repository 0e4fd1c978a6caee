package encryption

import (
	"crypto/rand"
	"fmt"
	"io"
)

// randReader is the random source for keys, salts and IVs.
var randReader io.Reader = rand.Reader

// SetRandReaderForTesting overrides the random source. It returns a function
// that restores the previous reader.
func SetRandReaderForTesting(r io.Reader) func() {
	original := randReader
	randReader = r
	return func() { randReader = original }
}

// RandomBytes reads n bytes from the CSPRNG. A short read is fatal to the
// caller and is not retried.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return buf, nil
}
