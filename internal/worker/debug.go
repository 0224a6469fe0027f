package worker

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CSVAI_WORKER_DEBUG"), "1")

func debugLog(msg string, fields ...zap.Field) {
	if workerDebugEnabled {
		zap.L().Info(msg, fields...)
	}
}
