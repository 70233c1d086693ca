package scripting

import (
	"bufio"
	"io"
	"log"
	"os"
)

// StageCtl reports the phases of a run (mapping memory, scanning,
// patching) to a log.Logger (log.Default by default).
type StageCtl struct {
	// Goto optionally specifies a stage number to pause
	// execution at until a newline is read from OptInput.
	// For example, setting this field to 2 means that the
	// second stage will block until a newline is provided.
	//
	// The stage number is incremented by one each time
	// Next is called.
	Goto int

	// Logger may be specified to override the logging
	// behavior. By default, StageCtl uses the logger
	// returned by log.Default.
	Logger *log.Logger

	// OptInput is read when pausing. Defaults to os.Stdin.
	OptInput io.Reader

	num      int
	prevDesc string
	input    *bufio.Reader
}

// Next increments the stage counter by one and writes a log
// message containing the stage's description.
func (o *StageCtl) Next(description string) {
	logger := log.Default()
	if o.Logger != nil {
		logger = o.Logger
	}

	if o.num > 0 {
		logger.Printf("finished stage %d: %s", o.num, o.prevDesc)
	}

	o.num++
	o.prevDesc = description

	logger.Printf("starting stage %d: %s", o.num, description)

	if o.Goto == 0 || o.Goto != o.num {
		return
	}

	if o.input == nil {
		in := o.OptInput
		if in == nil {
			in = os.Stdin
		}

		o.input = bufio.NewReader(in)
	}

	logger.Printf("press enter to continue")
	_, _ = o.input.ReadString('\n')
}

// Done logs the completion of the last stage.
func (o *StageCtl) Done() {
	if o.num == 0 {
		return
	}

	logger := log.Default()
	if o.Logger != nil {
		logger = o.Logger
	}

	logger.Printf("finished stage %d: %s", o.num, o.prevDesc)
}

// Num returns the current stage number.
func (o *StageCtl) Num() int {
	return o.num
}
