package mission

import "github.com/grace-platform/control-plane/pkg/logger"

func testLogger() *logger.Logger {
	return logger.NewDefault("mission-test")
}
