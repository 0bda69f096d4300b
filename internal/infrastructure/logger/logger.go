package logger

import (
	"log"
	"os"
)

var (
	Info  *log.Logger
	Warn  *log.Logger
	Error *log.Logger
	Debug *log.Logger
)

func init() {
	flags := log.Ldate | log.Ltime | log.LUTC | log.Lshortfile

	Info = log.New(os.Stdout, "INFO: ", flags)
	Warn = log.New(os.Stdout, "WARN: ", flags)
	Error = log.New(os.Stderr, "ERROR: ", flags)
	Debug = log.New(os.Stdout, "DEBUG: ", flags)
}

// Detach runs fn in its own goroutine for fire-and-forget side effects
// (progress writes, cleanup). Errors and panics are captured and logged here
// so they can never surface as an unhandled failure elsewhere.
func Detach(name string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error.Printf("detached task %s panicked: %v", name, r)
			}
		}()
		if err := fn(); err != nil {
			Warn.Printf("detached task %s: %v", name, err)
		}
	}()
}
