package atomics

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bnclabs/nvmm/api"
)

// Region is a memory-mapped backing file shared across processes. All
// persistent reads, writes and CAS operations on nvmm's shelves and epoch
// shelves pass through a Region.
type Region struct {
	path string
	fd   int
	data []byte

	mu     sync.Mutex
	refcnt int
}

// CreateRegion creates a new backing file of exactly size bytes and maps
// it, failing if the file already exists. Shelf callers pass a shelf's
// power-of-two size; the heap header region is created with just 64
// bytes, which the mapping covers with one page.
func CreateRegion(path string, size int64) (*Region, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0660)
	if err != nil {
		return nil, fmt.Errorf("%v: create %q: %w", api.ShelfFileCreateFailed, path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("%v: truncate %q: %w", api.ShelfFileTruncateFailed, path, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("%v: mmap %q: %w", api.ShelfFileMapFailed, path, err)
	}
	return &Region{path: path, fd: fd, data: data, refcnt: 1}, nil
}

// OpenRegion maps an existing backing file, whatever its current size.
func OpenRegion(path string) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%v: open %q: %w", api.ShelfFileOpenFailed, path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%v: stat %q: %w", api.ShelfFileOpenFailed, path, err)
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%v: mmap %q: %w", api.ShelfFileMapFailed, path, err)
	}
	return &Region{path: path, fd: fd, data: data, refcnt: 1}, nil
}

// DestroyRegion removes the backing file. The region must already be
// closed in this process; other processes may still have it mapped, the
// same way the original system's shelf files can outlive a single close.
func DestroyRegion(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%v: %w", api.ShelfFileDestroyFailed, err)
	}
	return nil
}

// Path returns the backing file's path.
func (r *Region) Path() string {
	return r.path
}

// Size returns the mapped length in bytes.
func (r *Region) Size() int64 {
	return int64(len(r.data))
}

// Data exposes the raw mapped bytes. Callers use this only for bulk
// reads (header parsing, Verify); persistent mutation goes through the
// CAS/FetchAdd/Swap methods below.
func (r *Region) Data() []byte {
	return r.data
}

// Register increments the region's reference count, mirroring the
// fam_atomic_register_region bookkeeping of the original system: a
// region is only unmapped once every registrant has released it.
func (r *Region) Register() {
	r.mu.Lock()
	r.refcnt++
	r.mu.Unlock()
}

// Close unmaps and closes the backing file once the last registrant
// releases it.
func (r *Region) Close() error {
	r.mu.Lock()
	r.refcnt--
	last := r.refcnt <= 0
	r.mu.Unlock()
	if !last {
		return nil
	}
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("%v: munmap %q: %w", api.ShelfFileUnmapFailed, r.path, err)
	}
	if err := unix.Close(r.fd); err != nil {
		return fmt.Errorf("%v: close %q: %w", api.ShelfFileCloseFailed, r.path, err)
	}
	return nil
}

// Persist guarantees that all prior stores in [offset, offset+length)
// are durable before it returns.
func (r *Region) Persist(offset, length int64) error {
	if length == 0 {
		return nil
	}
	// msync rejects a start address that is not page aligned; widen the
	// range down to the enclosing page boundary.
	start := offset &^ (int64(os.Getpagesize()) - 1)
	return unix.Msync(r.data[start:offset+length], unix.MS_SYNC)
}
