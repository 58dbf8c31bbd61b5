package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

func ErrorDuplicate(column string) error {
	return errors.New("duplicate " + column)
}
