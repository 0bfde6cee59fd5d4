package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateServerID 实例标识，用作调度器认领 owner 与扫描锁持有者。
// 优先使用环境变量 SERVER_ID，否则 {app}-{hostname}-{uuid前8位}
func GenerateServerID(appName string) string {
	if serverID := os.Getenv("SERVER_ID"); serverID != "" {
		return serverID
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if appName == "" {
		appName = "meter-dispatch"
	}
	return fmt.Sprintf("%s-%s-%s", appName, hostname, uuid.New().String()[:8])
}
