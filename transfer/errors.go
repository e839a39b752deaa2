// transfer/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import "fmt"

// TransferError reports a failure talking to a service, compressing, or
// uploading while transferring one collection.
type TransferError struct {
	Op   string
	Item string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Item, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// RestoreConflictError is returned when the destination of a restore
// already holds data. Nothing is written to it.
type RestoreConflictError struct {
	Source string
	Target string
}

func (e *RestoreConflictError) Error() string {
	return fmt.Sprintf("cannot restore %s into %s: destination is not empty", e.Source, e.Target)
}

// IntegrityError is returned when the service's MD5 of a restored blob
// doesn't match the one recorded when it was backed up.
type IntegrityError struct {
	Account   string
	Container string
	Blob      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s/%s/%s: content MD5 mismatch after upload", e.Account, e.Container, e.Blob)
}
