package node

import "errors"

var ErrClosed = errors.New("node: closed")
