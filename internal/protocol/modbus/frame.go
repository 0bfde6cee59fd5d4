package modbus

import "encoding/binary"

const (
	// DefaultSlave 电表默认从站地址
	DefaultSlave byte = 0x01

	FuncReadInputRegisters byte = 0x04
	FuncWriteSingleCoil    byte = 0x05

	// RegTotalActiveEnergy SDM320C 总有功电能（input register 30343，float32 占两个寄存器）
	RegTotalActiveEnergy uint16 = 0x0156
)

// 继电器控制帧（SDM320C，经 UC100 透传）：从站01 + 写单线圈05 + 地址0000 + 值 + CRC16
// 预先计算，运行时不重新计算 CRC
var (
	relayOffFrame = [8]byte{0x01, 0x05, 0x00, 0x00, 0x00, 0x00, 0xCD, 0xCA}
	relayOnFrame  = [8]byte{0x01, 0x05, 0x00, 0x00, 0xFF, 0x00, 0x8C, 0x3A}
)

// RelayOffFrame 断电帧副本
func RelayOffFrame() []byte {
	b := relayOffFrame
	return b[:]
}

// RelayOnFrame 送电帧副本
func RelayOnFrame() []byte {
	b := relayOnFrame
	return b[:]
}

// BuildReadInputRegisters 构造功能码04读输入寄存器帧
func BuildReadInputRegisters(slave byte, start, count uint16) []byte {
	buf := make([]byte, 6)
	buf[0] = slave
	buf[1] = FuncReadInputRegisters
	binary.BigEndian.PutUint16(buf[2:4], start)
	binary.BigEndian.PutUint16(buf[4:6], count)
	return AppendCRC(buf)
}
