package api

import "errors"

// ErrorCode mirrors the caller-visible return codes of the memory manager.
// Zero value is always NoError.
type ErrorCode int

// General errors.
const (
	NoError ErrorCode = iota
	NotYetImplemented
	Bug
	OutOfMemory
	InvalidArguments
)

// Shelf-file errors.
const (
	ShelfFileCreateFailed ErrorCode = iota + 20
	ShelfFileDestroyFailed
	ShelfFileTruncateFailed
	ShelfFileOpenFailed
	ShelfFileCloseFailed
	ShelfFileMapFailed
	ShelfFileRegisterFailed
	ShelfFileUnmapFailed
	ShelfFileFound
	ShelfFileNotFound
	ShelfFileRenameFailed
	ShelfFileFormatFailed
	ShelfFileClearFailed
	ShelfFileVerifyFailed
	ShelfFileInvalidFormat
	ShelfFileRecoverFailed
	ShelfFileGetPermFailed
	ShelfFileSetPermFailed
	ShelfFileOpened
	ShelfFileClosed
)

// Zone errors, positioned where the original system reserves "pool" codes.
const (
	ZoneCreateFailed ErrorCode = iota + 60
	ZoneDestroyFailed
	ZoneVerifyFailed
	ZoneOpenFailed
	ZoneCloseFailed
	ZoneFull
	ZoneEmpty
	ZoneInvalidMetaFile
	ZoneInvalidID
	ZoneFound
	ZoneNotFound
)

// Heap errors.
const (
	HeapCreateFailed ErrorCode = iota + 100
	HeapDestroyFailed
	HeapOpenFailed
	HeapCloseFailed
	HeapAllocFailed
	HeapOpened
	HeapClosed
	HeapResizeFailed
	HeapSetPermissionFailed
	HeapGetPermissionFailed
	HeapBusy
	HeapNotOpen
	HeapIsOpen
)

// Region (mmap) errors.
const (
	RegionCreateFailed ErrorCode = iota + 120
	RegionDestroyFailed
	RegionOpenFailed
	RegionCloseFailed
	RegionMapFailed
	RegionUnmapFailed
	RegionOpened
	RegionClosed
)

// Freelist errors.
const (
	FreelistsCreateFailed ErrorCode = iota + 140
	FreelistsDestroyFailed
	FreelistsOpenFailed
	FreelistsPutFailed
	FreelistsEmpty
)

// Memory-manager errors.
const (
	IDFound ErrorCode = iota + 200
	IDNotFound
	InvalidPtr
	MapPointerFailed
)

// String renders the error code the way log lines and Error() messages
// reference it.
func (e ErrorCode) String() string {
	if s, ok := errcodenames[e]; ok {
		return s
	}
	return "unknownErrorCode"
}

func (e ErrorCode) Error() string {
	return e.String()
}

var errcodenames = map[ErrorCode]string{
	NoError:            "noError",
	NotYetImplemented:  "notYetImplemented",
	Bug:                "bug",
	OutOfMemory:        "outOfMemory",
	InvalidArguments:   "invalidArguments",
	ShelfFileCreateFailed:   "shelfFileCreateFailed",
	ShelfFileDestroyFailed:  "shelfFileDestroyFailed",
	ShelfFileTruncateFailed: "shelfFileTruncateFailed",
	ShelfFileOpenFailed:     "shelfFileOpenFailed",
	ShelfFileCloseFailed:    "shelfFileCloseFailed",
	ShelfFileMapFailed:      "shelfFileMapFailed",
	ShelfFileRegisterFailed: "shelfFileRegisterFailed",
	ShelfFileUnmapFailed:    "shelfFileUnmapFailed",
	ShelfFileFound:          "shelfFileFound",
	ShelfFileNotFound:       "shelfFileNotFound",
	ShelfFileRenameFailed:   "shelfFileRenameFailed",
	ShelfFileFormatFailed:   "shelfFileFormatFailed",
	ShelfFileClearFailed:    "shelfFileClearFailed",
	ShelfFileVerifyFailed:   "shelfFileVerifyFailed",
	ShelfFileInvalidFormat:  "shelfFileInvalidFormat",
	ShelfFileRecoverFailed:  "shelfFileRecoverFailed",
	ShelfFileGetPermFailed:  "shelfFileGetPermFailed",
	ShelfFileSetPermFailed:  "shelfFileSetPermFailed",
	ShelfFileOpened:         "shelfFileOpened",
	ShelfFileClosed:         "shelfFileClosed",
	ZoneCreateFailed:      "zoneCreateFailed",
	ZoneDestroyFailed:     "zoneDestroyFailed",
	ZoneVerifyFailed:      "zoneVerifyFailed",
	ZoneOpenFailed:        "zoneOpenFailed",
	ZoneCloseFailed:       "zoneCloseFailed",
	ZoneFull:              "zoneFull",
	ZoneEmpty:             "zoneEmpty",
	ZoneInvalidMetaFile:   "zoneInvalidMetaFile",
	ZoneInvalidID:         "zoneInvalidID",
	ZoneFound:             "zoneFound",
	ZoneNotFound:          "zoneNotFound",
	HeapCreateFailed:         "heapCreateFailed",
	HeapDestroyFailed:        "heapDestroyFailed",
	HeapOpenFailed:           "heapOpenFailed",
	HeapCloseFailed:          "heapCloseFailed",
	HeapAllocFailed:          "heapAllocFailed",
	HeapOpened:               "heapOpened",
	HeapClosed:               "heapClosed",
	HeapResizeFailed:         "heapResizeFailed",
	HeapSetPermissionFailed:  "heapSetPermissionFailed",
	HeapGetPermissionFailed:  "heapGetPermissionFailed",
	HeapBusy:                 "heapBusy",
	HeapNotOpen:              "heapNotOpen",
	HeapIsOpen:               "heapIsOpen",
	RegionCreateFailed:  "regionCreateFailed",
	RegionDestroyFailed: "regionDestroyFailed",
	RegionOpenFailed:    "regionOpenFailed",
	RegionCloseFailed:   "regionCloseFailed",
	RegionMapFailed:     "regionMapFailed",
	RegionUnmapFailed:   "regionUnmapFailed",
	RegionOpened:        "regionOpened",
	RegionClosed:        "regionClosed",
	FreelistsCreateFailed:  "freelistsCreateFailed",
	FreelistsDestroyFailed: "freelistsDestroyFailed",
	FreelistsOpenFailed:    "freelistsOpenFailed",
	FreelistsPutFailed:     "freelistsPutFailed",
	FreelistsEmpty:         "freelistsEmpty",
	IDFound:          "idFound",
	IDNotFound:       "idNotFound",
	InvalidPtr:       "invalidPtr",
	MapPointerFailed: "mapPointerFailed",
}

// ErrorClosed operation cannot succeed because the heap or shelf that owns
// it has already been closed.
var ErrorClosed = errors.New("closed")

// ErrorBadAlignment operation cannot succeed because the offset or size
// given is not aligned to the minimum allocation granule.
var ErrorBadAlignment = errors.New("badAlignment")

// MinAllocSize is the smallest minAlloc a heap can be created with: a
// cache line, so no two buddy blocks at the smallest level ever share a
// cache line under concurrent CAS traffic.
const MinAllocSize = int64(64)

// MaxShelfSize is the largest shelf size whose offsets fit GlobalPtr's
// 48-bit offset field. heap.Create and Heap.Resize do not check it.
const MaxShelfSize = int64(1) << 47
