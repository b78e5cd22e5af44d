package can

import "errors"

var (
	ErrIllegalArgument = errors.New("invalid argument")
	ErrNotConnected    = errors.New("not connected to a bus")
)
