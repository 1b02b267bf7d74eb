// Package checkpoint annotates errors with the file and line of the
// wrapping call site. An error bubbling out of the filesystem layers
// collects one checkpoint per layer, which reads like a coarse stack
// trace. Sentinel errors attached along the way remain visible to
// errors.Is and errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From records the calling location on err. A nil err stays nil. io.EOF
// and io.ErrUnexpectedEOF pass through untouched because the io contracts
// compare them directly.
func From(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}
	if err == nil {
		return nil
	}
	return newCheckpoint(err, nil)
}

// Wrap records the calling location on prev and attaches note as an
// additional error, typically a package sentinel:
//
//	if err := device.Flush(); err != nil {
//		return checkpoint.Wrap(err, ErrWriteFile)
//	}
//
// errors.Is matches the result against both prev and note. A nil prev
// stays nil, the note alone never creates an error.
func Wrap(prev, note error) error {
	if prev == io.EOF {
		return io.EOF
	}
	if prev == nil {
		return nil
	}
	return newCheckpoint(prev, note)
}

func newCheckpoint(prev, note error) *checkpoint {
	// Caller(2) skips this helper and From/Wrap.
	_, file, line, ok := runtime.Caller(2)
	c := &checkpoint{prev: prev, note: note}
	if ok {
		c.location = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return c
}

type checkpoint struct {
	prev     error
	note     error
	location string
}

func (c *checkpoint) Error() string {
	var b strings.Builder
	if c.location != "" {
		b.WriteString(c.location)
	} else {
		b.WriteString("unknown location")
	}
	if c.note != nil {
		fmt.Fprintf(&b, ": %v", c.note)
	}
	if _, nested := c.prev.(*checkpoint); nested {
		fmt.Fprintf(&b, "\n%v", c.prev)
	} else {
		fmt.Fprintf(&b, ": %v", c.prev)
	}
	return b.String()
}

func (c *checkpoint) Unwrap() error {
	return c.prev
}

func (c *checkpoint) Is(target error) bool {
	return c.note != nil && errors.Is(c.note, target)
}

func (c *checkpoint) As(target interface{}) bool {
	return c.note != nil && errors.As(c.note, target)
}
