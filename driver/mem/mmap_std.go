//go:build !linux

package mem

func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnon(b []byte) error {
	return nil
}
