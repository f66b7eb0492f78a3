package models

import (
	"errors"

	"github.com/knights-analytics/aspert/util/tensorutil"
)

var (
	ErrShapeMismatch       = tensorutil.ErrShapeMismatch
	ErrInvalidSizeBucket   = errors.New("invalid size bucket")
	ErrMissingContextToken = errors.New("context token not found")
	ErrInvalidConfig       = errors.New("invalid model config")
	ErrUnknownModel        = errors.New("unknown model")
)
