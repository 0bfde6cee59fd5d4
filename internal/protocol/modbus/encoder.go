package modbus

import (
	"errors"
	"fmt"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
)

// ErrEmptyParams update_credit / update_config 需要非空参数
var ErrEmptyParams = errors.New("command params are empty")

// Encode 根据指令类型生成设备期望的原始载荷（与传输层无关）
func Encode(kind coremodel.CommandKind, params []byte) ([]byte, error) {
	switch kind {
	case coremodel.KindSwitchOff:
		return RelayOffFrame(), nil
	case coremodel.KindSwitchOn:
		return RelayOnFrame(), nil
	case coremodel.KindReadMeter:
		return BuildReadInputRegisters(DefaultSlave, RegTotalActiveEnergy, 2), nil
	case coremodel.KindUpdateCredit, coremodel.KindUpdateConfig:
		// 参数按不透明字节透传
		if len(params) == 0 {
			return nil, &coremodel.CodecError{Kind: kind, Err: ErrEmptyParams}
		}
		out := make([]byte, len(params))
		copy(out, params)
		return out, nil
	default:
		return nil, &coremodel.CodecError{Kind: kind, Err: coremodel.ErrUnsupportedCommand}
	}
}

// Encoder 绑定设备类型配置的编码器
type Encoder struct {
	Profiles *ProfileSet
}

// NewEncoder 创建编码器；profiles 为空时使用默认配置
func NewEncoder(profiles *ProfileSet) *Encoder {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Encoder{Profiles: profiles}
}

// Downlink 一次下行所需的全部参数
type Downlink struct {
	Payload   []byte
	Port      int
	Confirmed bool
}

// Build 结合设备类型生成下行参数
func (e *Encoder) Build(deviceType string, kind coremodel.CommandKind, params []byte) (*Downlink, error) {
	p := e.Profiles.Lookup(deviceType)
	if !p.Supports(kind) {
		return nil, &coremodel.CodecError{
			Kind: kind,
			Err:  fmt.Errorf("%w for device type %q", coremodel.ErrUnsupportedCommand, p.Name),
		}
	}
	payload, err := Encode(kind, params)
	if err != nil {
		return nil, err
	}
	return &Downlink{Payload: payload, Port: p.Port, Confirmed: p.Confirmed}, nil
}
