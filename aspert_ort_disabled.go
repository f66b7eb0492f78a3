//go:build !ORT && !ALL

package aspert

import (
	"errors"

	"github.com/knights-analytics/aspert/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
