package modbus

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
)

// DefaultDeviceType UC100 透传桥 + SDM320C
const DefaultDeviceType = "relay_bridge"

// Profile 设备类型下行配置
type Profile struct {
	Name      string                  `yaml:"name"`
	Port      int                     `yaml:"port"`
	Confirmed bool                    `yaml:"confirmed"`
	Kinds     []coremodel.CommandKind `yaml:"kinds"`
}

// Supports 是否支持该指令
func (p Profile) Supports(kind coremodel.CommandKind) bool {
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ProfileSet 设备类型 -> 配置
type ProfileSet struct {
	Default  string             `yaml:"default"`
	Profiles map[string]Profile `yaml:"profiles"`
	// port<=0 的配置回退到该端口
	PassthroughPort int `yaml:"-"`
}

// DefaultProfiles 内置配置
func DefaultProfiles() *ProfileSet {
	return &ProfileSet{
		Default:         DefaultDeviceType,
		PassthroughPort: 5,
		Profiles: map[string]Profile{
			DefaultDeviceType: {
				Name: DefaultDeviceType,
				Port: 5,
				Kinds: []coremodel.CommandKind{
					coremodel.KindSwitchOn, coremodel.KindSwitchOff, coremodel.KindReadMeter,
					coremodel.KindUpdateCredit, coremodel.KindUpdateConfig,
				},
			},
			// 脉冲采集器只接受配置下发
			"pulse_reader": {
				Name:  "pulse_reader",
				Port:  5,
				Kinds: []coremodel.CommandKind{coremodel.KindUpdateConfig},
			},
		},
	}
}

// LoadProfiles 从 YAML 文件加载，并与内置配置合并
func LoadProfiles(path string, passthroughPort int) (*ProfileSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device profiles: %w", err)
	}
	var loaded ProfileSet
	if err := yaml.Unmarshal(b, &loaded); err != nil {
		return nil, fmt.Errorf("unmarshal device profiles: %w", err)
	}
	set := DefaultProfiles()
	set.Merge(&loaded)
	if passthroughPort > 0 {
		set.PassthroughPort = passthroughPort
	}
	return set, nil
}

// Merge 合并另一份配置（同名覆盖）
func (s *ProfileSet) Merge(other *ProfileSet) {
	if s == nil || other == nil {
		return
	}
	if s.Profiles == nil {
		s.Profiles = make(map[string]Profile)
	}
	for name, p := range other.Profiles {
		name = strings.ToLower(name)
		p.Name = name
		s.Profiles[name] = p
	}
	if other.Default != "" {
		s.Default = strings.ToLower(other.Default)
	}
}

// Lookup 按设备类型查找；未知类型回退默认配置
func (s *ProfileSet) Lookup(deviceType string) Profile {
	p, ok := s.Profiles[strings.ToLower(deviceType)]
	if !ok {
		p = s.Profiles[s.Default]
		if p.Name == "" {
			p.Name = s.Default
		}
	}
	if p.Port <= 0 {
		p.Port = s.PassthroughPort
	}
	if p.Port <= 0 {
		p.Port = 5
	}
	return p
}
