package modbus

import "errors"

var (
	// ErrCRCMismatch CRC16 校验失败
	ErrCRCMismatch = errors.New("crc16 mismatch")
	// ErrFrameTooShort 帧长度不足（至少 地址+功能码+CRC）
	ErrFrameTooShort = errors.New("modbus frame too short")
)

// CRC16 计算 Modbus RTU CRC（多项式 0xA001，初值 0xFFFF）
// 返回值按线序：低字节在前
func CRC16(data []byte) [2]byte {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return [2]byte{byte(crc), byte(crc >> 8)}
}

// Verify 校验带 CRC 尾的完整帧
func Verify(frame []byte) error {
	if len(frame) < 4 {
		return ErrFrameTooShort
	}
	body := frame[:len(frame)-2]
	want := CRC16(body)
	if frame[len(frame)-2] != want[0] || frame[len(frame)-1] != want[1] {
		return ErrCRCMismatch
	}
	return nil
}

// AppendCRC 为数据追加 CRC 尾
func AppendCRC(data []byte) []byte {
	crc := CRC16(data)
	out := make([]byte, len(data)+2)
	copy(out, data)
	out[len(data)] = crc[0]
	out[len(data)+1] = crc[1]
	return out
}
