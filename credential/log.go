package credential

import (
	"github.com/Laisky/zap"

	"github.com/kirobridge/kirobridge/common/logger"
)

func logSaveError(err error) {
	logger.Logger.Error("failed to persist credentials file", zap.Error(err))
}
