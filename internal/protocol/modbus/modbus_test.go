package modbus

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
)

func TestRelayFramesByteExact(t *testing.T) {
	off, err := Encode(coremodel.KindSwitchOff, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x05, 0x00, 0x00, 0x00, 0x00, 0xCD, 0xCA}, off)

	on, err := Encode(coremodel.KindSwitchOn, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x05, 0x00, 0x00, 0xFF, 0x00, 0x8C, 0x3A}, on)
}

// 预计算常量与 CRC16 算法一致
func TestRelayFramesCRC(t *testing.T) {
	assert.NoError(t, Verify(RelayOffFrame()))
	assert.NoError(t, Verify(RelayOnFrame()))
	assert.Equal(t, [2]byte{0xCD, 0xCA}, CRC16([]byte{0x01, 0x05, 0x00, 0x00, 0x00, 0x00}))
}

func TestRelayFrameIsCopy(t *testing.T) {
	f := RelayOffFrame()
	f[0] = 0xFF
	assert.Equal(t, byte(0x01), RelayOffFrame()[0], "常量不应被调用方修改")
}

func TestVerify(t *testing.T) {
	bad := RelayOnFrame()
	bad[7] ^= 0x01
	assert.ErrorIs(t, Verify(bad), ErrCRCMismatch)
	assert.ErrorIs(t, Verify([]byte{0x01}), ErrFrameTooShort)
}

func TestEncodeReadMeter(t *testing.T) {
	f, err := Encode(coremodel.KindReadMeter, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x04, 0x01, 0x56, 0x00, 0x02, 0x90, 0x27}, f)
}

func TestEncodeOpaqueParams(t *testing.T) {
	params := []byte{0xAA, 0xBB}
	f, err := Encode(coremodel.KindUpdateConfig, params)
	require.NoError(t, err)
	assert.Equal(t, params, f)

	_, err = Encode(coremodel.KindUpdateCredit, nil)
	var ce *coremodel.CodecError
	require.True(t, errors.As(err, &ce))
	assert.ErrorIs(t, err, ErrEmptyParams)
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Encode(coremodel.KindResetMeter, nil)
	assert.ErrorIs(t, err, coremodel.ErrUnsupportedCommand)

	_, err = Encode("bogus", nil)
	assert.ErrorIs(t, err, coremodel.ErrUnsupportedCommand)
}

func TestQueueRequestJSON(t *testing.T) {
	req := NewQueueRequest(RelayOffFrame(), 5, false)
	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"queueItem":{"confirmed":false,"data":"AQUAAAAAzco=","fPort":5}}`, string(b))

	raw, err := req.QueueItem.Payload()
	require.NoError(t, err)
	assert.Equal(t, RelayOffFrame(), raw)
}

func TestEncoderProfiles(t *testing.T) {
	enc := NewEncoder(nil)

	dl, err := enc.Build("relay_bridge", coremodel.KindSwitchOff, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, dl.Port)
	assert.False(t, dl.Confirmed)

	// 未知类型回退默认
	dl, err = enc.Build("", coremodel.KindSwitchOn, nil)
	require.NoError(t, err)
	assert.Equal(t, RelayOnFrame(), dl.Payload)

	_, err = enc.Build("pulse_reader", coremodel.KindSwitchOff, nil)
	assert.ErrorIs(t, err, coremodel.ErrUnsupportedCommand)
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	content := `
profiles:
  Confirmed_Bridge:
    port: 0
    confirmed: true
    kinds: [switch_off]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	set, err := LoadProfiles(path, 7)
	require.NoError(t, err)

	p := set.Lookup("confirmed_bridge")
	assert.True(t, p.Confirmed)
	assert.Equal(t, 7, p.Port, "port<=0 回退透传端口")
	assert.True(t, p.Supports(coremodel.KindSwitchOff))
	assert.False(t, p.Supports(coremodel.KindSwitchOn))

	// 内置配置保留
	assert.True(t, set.Lookup("relay_bridge").Supports(coremodel.KindSwitchOn))

	_, err = LoadProfiles(filepath.Join(dir, "missing.yaml"), 5)
	assert.Error(t, err)
}
