package discovery

import "errors"

var (
	ErrInvalidAddress = errors.New("invalid device address")
	ErrScanStart      = errors.New("radio scan could not start")
	errEmptyCommand   = errors.New("scan command is empty")
)
