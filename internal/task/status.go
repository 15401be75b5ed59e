package task

import (
	"errors"
	"fmt"
)

// ErrorText is the status_text of a task in StatusError.
const ErrorText = "error"

var ErrUnknownStatus = errors.New("unknown status")

// Vocabulary is the ordered list of status names of one task type. A
// status code is the index of its name.
type Vocabulary []string

// Code returns the code of name. The literal "error" maps to StatusError;
// any other name missing from the vocabulary is rejected.
func (v Vocabulary) Code(name string) (int, error) {
	if name == ErrorText {
		return StatusError, nil
	}
	for i, n := range v {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}

// MustCode is Code for names fixed at compile time.
func (v Vocabulary) MustCode(name string) int {
	code, err := v.Code(name)
	if err != nil {
		panic(err)
	}
	return code
}

func (v Vocabulary) Text(code int) string {
	if code < 0 || code >= len(v) {
		return ErrorText
	}
	return v[code]
}

// Change builds the update moving a task to the named status, carrying the
// caller's extra fields along. Status fields in extra are overwritten.
func (v Vocabulary) Change(name string, extra Patch) (Patch, error) {
	code, err := v.Code(name)
	if err != nil {
		return Patch{}, err
	}
	extra.Status = Int(code)
	extra.StatusText = String(v.Text(code))
	return extra, nil
}
