package kvdoc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidIDKind         = errors.New("invalid id kind")
	ErrInvalidIndexValue     = errors.New("invalid index value")
	ErrAlreadyExists         = errors.New("already exists")
	ErrNotFound              = errors.New("not found")
	ErrVersionConflict       = errors.New("version conflict")
	ErrIDGenerationExhausted = errors.New("id generation exhausted")
	ErrCorruptChunkedValue   = errors.New("corrupt chunked value")
)

// Break stops ForEach without failing it.
var Break = errors.New("break")

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// CollectionError describes a failed operation on a collection. Its message
// reads like `users.set/"abc": already exists`.
type CollectionError struct {
	Collection string
	Op         string
	ID         ID
	Msg        string
	Err        error
}

func collErrf(coll, op string, id ID, err error, format string, args ...any) error {
	var msg string
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &CollectionError{coll, op, id, msg, err}
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func (e *CollectionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	if e.Op != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Op)
	}
	if !e.ID.IsZero() {
		buf.WriteByte('/')
		buf.WriteString(e.ID.String())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
