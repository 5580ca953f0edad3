// Package main provides the FFI bridge for mobile platforms.
// Build as a shared library: libposync.so (Android) / posync.framework (iOS).
// Functions returning *C.char return NULL on failure; call GetLastError for
// the reason. Every non-NULL string must be released with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"time"
	"unsafe"
)

//export Init
// Init opens the queue in dataDir and starts background reconciliation.
// configFile may be empty. online is the initial connectivity state.
// Returns 0 on success, -1 on failure.
func Init(dataDir, configFile *C.char, online int32) int32 {
	err := core.init(C.GoString(dataDir), C.GoString(configFile), online != 0)
	core.setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export Cleanup
// Cleanup stops background work and closes the queue.
func Cleanup() {
	core.setLastError(core.cleanup())
}

//export GetLastError
// GetLastError returns the last error message.
func GetLastError() *C.char {
	return C.CString(core.lastError())
}

//export RecordSale
// RecordSale validates and queues a sale given as JSON. The sale is durable
// once this returns; the queued transaction is returned as JSON.
func RecordSale(saleJSON *C.char) *C.char {
	return result(core.recordSale(C.GoString(saleJSON)))
}

//export SetOnline
// SetOnline reports a connectivity change from the platform network callback.
func SetOnline(online int32) int32 {
	err := core.setOnline(online != 0)
	core.setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export SyncNow
// SyncNow runs a reconciliation and returns its outcome as JSON.
func SyncNow() *C.char {
	return result(core.syncNow())
}

//export GetStatus
// GetStatus returns pending counts and scheduler state as JSON.
func GetStatus() *C.char {
	return result(core.status())
}

//export ListFailed
// ListFailed returns the rejected sales as a JSON array.
func ListFailed() *C.char {
	return result(core.listFailed())
}

//export WaitForStateChange
// WaitForStateChange blocks up to timeoutMs for the pending state to change
// and returns the latest state as JSON. Call it from a background isolate.
func WaitForStateChange(timeoutMs int32) *C.char {
	return result(core.waitForChange(time.Duration(timeoutMs) * time.Millisecond))
}

//export FreeString
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func result(out string, err error) *C.char {
	core.setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(out)
}

func main() {
	// Required for c-shared build mode
}
