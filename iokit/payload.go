package iokit

import (
	"bytes"
	"fmt"
)

// NewPayloadBuilder instantiates a new PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// PayloadBuilder helps build payloads and other binary sequences
// by implementing the "builder pattern".
//
// Once a write fails, later writes are ignored and the error is
// returned by Result.
type PayloadBuilder struct {
	buf bytes.Buffer
	err error
}

// Byter abstracts types that can be represented as a []byte.
type Byter interface {
	// Bytes returns the object as a []byte.
	Bytes() []byte
}

// Byter writes the specified Byter's []byte to the payload.
func (o *PayloadBuilder) Byter(b Byter) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	return o.Bytes(b.Bytes())
}

// Encoded writes the result of an encoder that may fail, such as
// an instruction encoder rejecting an out of range operand.
// The first error is kept and reported by Result.
func (o *PayloadBuilder) Encoded(b Byter, err error) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	if err != nil {
		o.err = err
		return o
	}

	return o.Bytes(b.Bytes())
}

// Bytes writes the specified []byte to the payload.
func (o *PayloadBuilder) Bytes(b []byte) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	_, err := o.buf.Write(b)
	if err != nil {
		o.err = err
	}

	return o
}

// Result returns the payload as a []byte, or the first error
// encountered while building it.
func (o *PayloadBuilder) Result() ([]byte, error) {
	if o.err != nil {
		return nil, fmt.Errorf("failed to build payload - %w", o.err)
	}

	return o.buf.Bytes(), nil
}

// Build returns the payload as a []byte. DefaultExitFn is called
// if an error occurred while building the payload.
func (o *PayloadBuilder) Build() []byte {
	b, err := o.Result()
	if err != nil {
		DefaultExitFn(err)
	}

	return b
}
