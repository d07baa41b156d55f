// Package errutil contains common error-handling utilities.
package errutil

import "strings"

// Multi combines multiple errors into one. Nil arguments are discarded; if
// none remain the result is nil, and a single remaining error is returned as
// is. Errors that were themselves returned by Multi are flattened.
func Multi(errs ...error) error {
	var all []error
	for _, err := range errs {
		switch err := err.(type) {
		case nil:
		case multiError:
			all = append(all, err...)
		default:
			all = append(all, err)
		}
	}
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}
	return multiError(all)
}

type multiError []error

func (me multiError) Error() string {
	var sb strings.Builder
	sb.WriteString("multiple errors: ")
	for i, err := range me {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}
