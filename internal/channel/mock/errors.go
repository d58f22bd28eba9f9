package mock

import "errors"

var errNoData = errors.New("mock: no frames generated yet")
