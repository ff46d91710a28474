package async

import (
	"log"
	"runtime/debug"
)

// Go runs fn in a goroutine guarded by panic recovery, so a fault in a
// background loop never takes down the coordinator.
func Go(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(name string) {
	if r := recover(); r != nil {
		log.Printf("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
