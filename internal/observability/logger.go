package observability

import (
	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger returns the process logger tagged with the node id.
func InitLogger(node string) zerolog.Logger {
	return logs.Logger().With().Str("node", node).Logger()
}
