package zone

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/mmap"

	"github.com/bnclabs/nvmm/api"
)

// Verify checks a shelf file's zone header without taking a writable
// mapping, the read-only-first posture bubt's openfile/mmap.Open path
// uses to validate a file before trusting it.
func Verify(path string, base int64) error {
	r, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("%v: %w", api.ShelfFileOpenFailed, err)
	}
	defer r.Close()

	var buf [8]byte
	if _, err := r.ReadAt(buf[:], base+hdrMagic); err != nil {
		return fmt.Errorf("%v: %w", api.ShelfFileVerifyFailed, err)
	}
	if got := binary.LittleEndian.Uint64(buf[:]); got != magic {
		return fmt.Errorf("%v: bad zone magic %x at offset %v", api.ZoneVerifyFailed, got, base)
	}
	return nil
}
