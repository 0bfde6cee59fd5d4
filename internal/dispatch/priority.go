package dispatch

import "github.com/taoyao-code/meter-dispatch/internal/coremodel"

// 下行指令优先级：数值越小优先级越高（认领按 priority ASC）
const (
	// PriorityEmergency 运维手动拉合闸
	PriorityEmergency = 1

	// PriorityDisconnect 欠费断电
	PriorityDisconnect = 2

	// PriorityReconnect 充值复电
	PriorityReconnect = 3

	// PriorityNormal 抄表、参数下发
	PriorityNormal = 5

	// PriorityBackground 复位等后台任务
	PriorityBackground = 8
)

// DefaultPriority 未显式指定时按指令类型给出的优先级
func DefaultPriority(kind coremodel.CommandKind) int {
	switch kind {
	case coremodel.KindSwitchOff:
		return PriorityDisconnect
	case coremodel.KindSwitchOn:
		return PriorityReconnect
	case coremodel.KindReadMeter, coremodel.KindUpdateCredit, coremodel.KindUpdateConfig:
		return PriorityNormal
	case coremodel.KindResetMeter:
		return PriorityBackground
	default:
		return PriorityNormal
	}
}
