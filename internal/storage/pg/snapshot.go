package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
)

// Balances 读取活动电表的钱包电费余额及最近一次执行的开关指令。
// meters/units/wallets 由门户维护，此处只读。
func (r *Repository) Balances(ctx context.Context) ([]coremodel.MeterBalance, error) {
	const sql = `SELECT LOWER(m.device_eui), u.id, u.unit_number,
                        COALESCE(w.electricity_balance, 0)::float8,
                        COALESCE(m.lorawan_device_type, ''),
                        last.kind
                 FROM units u
                 JOIN wallets w ON w.unit_id = u.id
                 JOIN meters m ON m.id = u.electricity_meter_id
                 LEFT JOIN LATERAL (
                     SELECT c.kind FROM dispatch_commands c
                     WHERE c.device_eui = LOWER(m.device_eui)
                       AND c.kind IN ('switch_on','switch_off')
                       AND c.status IN ('sent','completed') AND c.sent_at IS NOT NULL
                     ORDER BY c.sent_at DESC, c.id DESC
                     LIMIT 1
                 ) last ON TRUE
                 WHERE m.device_eui IS NOT NULL
                   AND m.meter_type = 'electricity'
                   AND m.is_active AND u.is_active
                 ORDER BY 1`

	rows, err := r.Pool.Query(ctx, sql)
	if err != nil {
		return nil, internalErr("balances", err)
	}
	defer rows.Close()

	out := make([]coremodel.MeterBalance, 0)
	for rows.Next() {
		var (
			b        coremodel.MeterBalance
			dev      string
			lastKind *string
		)
		if err := rows.Scan(&dev, &b.UnitID, &b.UnitNumber, &b.ElectricityBalance, &b.DeviceType, &lastKind); err != nil {
			return nil, internalErr("balances", err)
		}
		b.DeviceEUI = coremodel.DeviceEUI(dev)
		if !b.DeviceEUI.Valid() {
			continue
		}
		if lastKind != nil {
			k := coremodel.CommandKind(*lastKind)
			b.LastExecutedKind = &k
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, internalErr("balances", err)
	}
	return out, nil
}

// DeviceType 查询设备类型；未登记返回空串
func (r *Repository) DeviceType(ctx context.Context, dev coremodel.DeviceEUI) (string, error) {
	const sql = `SELECT COALESCE(lorawan_device_type, '') FROM meters
                 WHERE LOWER(device_eui) = $1 ORDER BY id LIMIT 1`
	var typ string
	err := r.Pool.QueryRow(ctx, sql, string(dev.Normalize())).Scan(&typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", internalErr("device type", err)
	}
	return typ, nil
}
