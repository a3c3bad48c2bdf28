package log

import "fmt"

type invalidLogFormatError struct {
	format string
}

// Error returns the error message.
func (e invalidLogFormatError) Error() string {
	return fmt.Sprintf("logger format %s is invalid", e.format)
}
