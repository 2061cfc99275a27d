package backupcode

import "errors"

var (
	ErrInvalidCount     = errors.New("invalid backup code count")
	ErrFailedToGenerate = errors.New("failed to generate backup code")
)
