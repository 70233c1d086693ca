package iokit

import (
	"log"
)

var (
	// DefaultExitFn is invoked by the ...OrExit functions
	// when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)
