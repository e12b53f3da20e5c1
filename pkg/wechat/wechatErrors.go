package wechat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey matches every *InvalidKeyError.
	ErrInvalidKey = errors.New("invalid key")
	// ErrFormat matches every *FormatError.
	ErrFormat = errors.New("bad file format")
	// ErrPageAuth is returned by checked page decryption when the HMAC
	// stored in the reserve region does not match.
	ErrPageAuth = errors.New("page hmac mismatch")
	// ErrChecksumMisaligned is returned when checksum input is not a
	// multiple of 8 bytes.
	ErrChecksumMisaligned = errors.New("checksum input misaligned")
)

// InvalidKeyError reports that page 1 of a database did not authenticate
// with the given key. The message carries the whole key; log lines inside
// this package use the RawKey fingerprint instead.
type InvalidKeyError struct {
	Key  RawKey
	Path string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("key %s does not match %s", e.Key.Hex(), e.Path)
}

func (e *InvalidKeyError) Is(target error) bool { return target == ErrInvalidKey }

// FormatError reports a structurally unusable database or WAL file.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// KeyDerivationError wraps a rejected PBKDF2 parameter set.
type KeyDerivationError struct {
	Err error
}

func (e *KeyDerivationError) Error() string {
	return "key derivation failed: " + e.Err.Error()
}

func (e *KeyDerivationError) Unwrap() error { return e.Err }

// IOError wraps a file system failure with the operation and path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func formatErr(path, format string, args ...interface{}) error {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *IOError
	if errors.As(err, &e) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}
