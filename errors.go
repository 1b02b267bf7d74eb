package fatfs

import "errors"

// These errors form the engine's error taxonomy. They are wrapped with
// checkpoint so that errors.Is keeps matching them through the added
// caller information. Device errors are never replaced, only wrapped.
var (
	ErrFormat            = errors.New("not a valid FAT filesystem")
	ErrNotFound          = errors.New("file or directory not found")
	ErrAlreadyExists     = errors.New("file or directory already exists")
	ErrNoSpace           = errors.New("no space left on volume")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrInvalidName       = errors.New("invalid file name")
	ErrUnsupported       = errors.New("operation not supported")
	ErrFileClosed        = errors.New("file already closed")
	ErrReadOnly          = errors.New("volume opened read-only")
	ErrNotFlushed        = errors.New("file discarded with unflushed changes")
	ErrDeviceBounds      = errors.New("sector index out of device bounds")
)
