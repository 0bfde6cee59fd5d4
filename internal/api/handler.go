package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/api/middleware"
	"github.com/taoyao-code/meter-dispatch/internal/audit"
	"github.com/taoyao-code/meter-dispatch/internal/chirpstack"
	"github.com/taoyao-code/meter-dispatch/internal/coremodel"
	"github.com/taoyao-code/meter-dispatch/internal/dispatch"
	"github.com/taoyao-code/meter-dispatch/internal/policy"
	"github.com/taoyao-code/meter-dispatch/internal/protocol/modbus"
	"github.com/taoyao-code/meter-dispatch/internal/settings"
	"github.com/taoyao-code/meter-dispatch/internal/storage"
)

// 手工下发默认操作人
const defaultActor = "operator"

// Sweeper 策略扫描（policy.Evaluator）
type Sweeper interface {
	RunOnce(ctx context.Context) (*policy.SweepResult, error)
	Report(ctx context.Context, now time.Time) (*policy.Report, error)
}

// DeviceQueue 网络服务器侧设备下行队列（chirpstack.Client）
type DeviceQueue interface {
	ListQueue(ctx context.Context, dev coremodel.DeviceEUI) ([]chirpstack.QueueEntry, error)
	FlushQueue(ctx context.Context, dev coremodel.DeviceEUI) error
}

// DispatcherView 调度器 ACK 与状态（dispatch.Dispatcher）
type DispatcherView interface {
	Acknowledge(ctx context.Context, dev coremodel.DeviceEUI, now time.Time) (*coremodel.Command, error)
	Stats() dispatch.Stats
}

// Deps 运维接口依赖；可选项为 nil 时对应路由不注册
type Deps struct {
	Store      storage.CommandStore
	Settings   *settings.Provider
	Sweeper    Sweeper
	Queue      DeviceQueue
	Dispatcher DispatcherView
	Profiles   *modbus.ProfileSet
	Devices    storage.DeviceDirectory
	Audit      audit.Emitter
	// 手工指令默认重试次数，0 使用 coremodel.DefaultMaxRetries
	MaxRetries int
}

// OperatorHandler 运维接口处理器
type OperatorHandler struct {
	store      storage.CommandStore
	settings   *settings.Provider
	sweeper    Sweeper
	queue      DeviceQueue
	dispatcher DispatcherView
	profiles   *modbus.ProfileSet
	devices    storage.DeviceDirectory
	audit      audit.Emitter
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

// NewOperatorHandler 创建运维接口处理器
func NewOperatorHandler(deps Deps, logger *zap.Logger) *OperatorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	em := deps.Audit
	if em == nil {
		em = audit.Nop{}
	}
	profiles := deps.Profiles
	if profiles == nil {
		profiles = modbus.DefaultProfiles()
	}
	return &OperatorHandler{
		store:      deps.Store,
		settings:   deps.Settings,
		sweeper:    deps.Sweeper,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		profiles:   profiles,
		devices:    deps.Devices,
		audit:      em,
		maxRetries: deps.MaxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// actor 操作人：X-Operator 头，其次认证 key（脱敏），缺省 operator
func actor(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader("X-Operator")); v != "" {
		return v
	}
	if v := c.GetString(middleware.ContextKeyAPIKey); v != "" {
		return "api:" + v
	}
	return defaultActor
}

func deviceParam(c *gin.Context) (coremodel.DeviceEUI, bool) {
	dev := coremodel.DeviceEUI(c.Param("eui"))
	if !dev.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_eui"})
		return "", false
	}
	return dev.Normalize(), true
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// respondStoreError 存储错误到 HTTP 状态码；唯一冲突视为已入队，附带已有指令
func (h *OperatorHandler) respondStoreError(c *gin.Context, err error) {
	if id, ok := coremodel.ExistingID(err); ok {
		body := gin.H{"error": "conflict", "existing_id": id, "message": err.Error()}
		if existing, gerr := h.store.Get(c.Request.Context(), id); gerr == nil {
			body["command"] = existing
		} else {
			h.logger.Warn("load existing command failed", zap.Int64("existing_id", id), zap.Error(gerr))
		}
		c.JSON(http.StatusConflict, body)
		return
	}
	switch {
	case errors.Is(err, coremodel.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, coremodel.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "in_flight", "message": err.Error()})
	case errors.Is(err, coremodel.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		h.logger.Error("operator api store error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ListCommands 查询指令
// @Summary 查询指令列表
// @Description 按设备/类型/状态过滤，id 倒序分页
// @Tags 运维 - 指令
// @Produce json
// @Security ApiKeyAuth
// @Param device_eui query string false "设备EUI"
// @Param kind query string false "指令类型"
// @Param status query string false "状态"
// @Param limit query int false "每页数量(默认100，最大500)"
// @Param offset query int false "偏移量(默认0)"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/commands [get]
func (h *OperatorHandler) ListCommands(c *gin.Context) {
	f := storage.ListFilter{
		DeviceEUI: coremodel.DeviceEUI(c.Query("device_eui")),
		Kind:      coremodel.CommandKind(c.Query("kind")),
		Status:    coremodel.CommandStatus(c.Query("status")),
	}
	if f.DeviceEUI != "" && !f.DeviceEUI.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_eui"})
		return
	}
	if f.Kind != "" && !f.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind"})
		return
	}
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			f.Limit = vv
		}
	}
	if v := c.Query("offset"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			f.Offset = vv
		}
	}
	f = f.Normalize()

	list, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": list, "limit": f.Limit, "offset": f.Offset})
}

// GetCommand 查询单条指令
// @Summary 查询指令
// @Tags 运维 - 指令
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "指令ID"
// @Success 200 {object} coremodel.Command "成功"
// @Failure 404 {object} map[string]interface{} "不存在"
// @Router /api/commands/{id} [get]
func (h *OperatorHandler) GetCommand(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	cmd, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// EnqueueRequest 手工下发请求；params 为十六进制或 base64 编码的不透明字节
type EnqueueRequest struct {
	DeviceEUI   string     `json:"device_eui" binding:"required"`
	Kind        string     `json:"kind" binding:"required"`
	Params      string     `json:"params,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	Confirmed   *bool      `json:"confirmed,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	MaxRetries  *int       `json:"max_retries,omitempty"`
}

// decodeParams 优先按十六进制解析，失败再按 base64
func decodeParams(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.ReplaceAll(s, " ", "")); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// manualPriority 手工开关闸走紧急优先级
func manualPriority(kind coremodel.CommandKind, p int) int {
	if p > 0 {
		return coremodel.ClampPriority(p)
	}
	if kind == coremodel.KindSwitchOn || kind == coremodel.KindSwitchOff {
		return dispatch.PriorityEmergency
	}
	return dispatch.DefaultPriority(kind)
}

// defaultConfirmed 未显式指定时取设备类型配置
func (h *OperatorHandler) defaultConfirmed(ctx context.Context, dev coremodel.DeviceEUI) bool {
	deviceType := ""
	if h.devices != nil {
		if t, err := h.devices.DeviceType(ctx, dev); err == nil {
			deviceType = t
		}
	}
	return h.profiles.Lookup(deviceType).Confirmed
}

// EnqueueCommand 手工下发
// @Summary 手工下发指令
// @Description 插入 pending 指令；(device, kind) 已有活动指令时返回 409，附带已有指令
// @Tags 运维 - 指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body EnqueueRequest true "下发参数"
// @Success 201 {object} coremodel.Command "已入队"
// @Failure 400 {object} map[string]interface{} "参数错误"
// @Failure 409 {object} map[string]interface{} "已有活动指令"
// @Router /api/commands [post]
func (h *OperatorHandler) EnqueueCommand(c *gin.Context) {
	ctx := c.Request.Context()
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	dev := coremodel.DeviceEUI(req.DeviceEUI)
	kind := coremodel.CommandKind(req.Kind)
	if !dev.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_eui"})
		return
	}
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind"})
		return
	}
	params, err := decodeParams(req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "params must be hex or base64"})
		return
	}

	cmd := coremodel.NewCommand(dev, kind, params, manualPriority(kind, req.Priority), actor(c))
	if req.Confirmed != nil {
		cmd.Confirmed = *req.Confirmed
	} else {
		cmd.Confirmed = h.defaultConfirmed(ctx, cmd.DeviceEUI)
	}
	cmd.ScheduledAt = req.ScheduledAt
	if h.maxRetries > 0 {
		cmd.MaxRetries = h.maxRetries
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		cmd.MaxRetries = *req.MaxRetries
	}

	id, err := h.store.Insert(ctx, cmd)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	cmd.ID = id
	h.audit.Emit(ctx, audit.CommandEvent(audit.EventCommandEnqueued, cmd))
	h.logger.Info("manual command enqueued",
		zap.Int64("command_id", id),
		zap.String("device_eui", string(cmd.DeviceEUI)),
		zap.String("kind", string(kind)),
		zap.Int("priority", cmd.Priority),
		zap.String("actor", *cmd.CreatedBy))
	c.JSON(http.StatusCreated, cmd)
}

// CancelCommand 取消指令
// @Summary 取消指令
// @Description 仅 pending/queued 可取消；已发送返回 409
// @Tags 运维 - 指令
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "指令ID"
// @Success 200 {object} coremodel.Command "已取消"
// @Failure 404 {object} map[string]interface{} "不存在"
// @Failure 409 {object} map[string]interface{} "已发送或已终结"
// @Router /api/commands/{id}/cancel [post]
func (h *OperatorHandler) CancelCommand(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cmd, err := h.store.Cancel(ctx, id, h.now())
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	ev := audit.CommandEvent(audit.EventCommandCancelled, cmd)
	ev.Actor = actor(c)
	h.audit.Emit(ctx, ev)
	h.logger.Info("command cancelled", zap.Int64("command_id", id), zap.String("actor", ev.Actor))
	c.JSON(http.StatusOK, cmd)
}

// SupersedeRequest 替换请求
type SupersedeRequest struct {
	DeviceEUI string `json:"device_eui" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Params    string `json:"params,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Confirmed *bool  `json:"confirmed,omitempty"`
}

// SupersedeCommand 替换活动指令
// @Summary 替换指令
// @Description 同一事务中取消 (device, kind) 的未发送指令并插入新指令
// @Tags 运维 - 指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body SupersedeRequest true "替换参数"
// @Success 201 {object} map[string]interface{} "已替换"
// @Failure 409 {object} map[string]interface{} "旧指令已发送"
// @Router /api/commands/supersede [post]
func (h *OperatorHandler) SupersedeCommand(c *gin.Context) {
	ctx := c.Request.Context()
	var req SupersedeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	dev := coremodel.DeviceEUI(req.DeviceEUI)
	kind := coremodel.CommandKind(req.Kind)
	if !dev.Valid() || !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_eui or kind"})
		return
	}
	params, err := decodeParams(req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "params must be hex or base64"})
		return
	}
	dev = dev.Normalize()
	var confirmed bool
	if req.Confirmed != nil {
		confirmed = *req.Confirmed
	} else {
		confirmed = h.defaultConfirmed(ctx, dev)
	}

	res, err := h.store.Supersede(ctx, storage.SupersedeRequest{
		DeviceEUI: dev,
		Kind:      kind,
		Params:    params,
		Priority:  manualPriority(kind, req.Priority),
		Confirmed: confirmed,
		Actor:     actor(c),
		Now:       h.now(),
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	ev := audit.CommandEvent(audit.EventCommandSuperseded, res.Command)
	ev.Data["cancelled_id"] = res.CancelledID
	h.audit.Emit(ctx, ev)
	h.logger.Info("command superseded",
		zap.String("device_eui", string(dev)),
		zap.String("kind", string(kind)),
		zap.Int64("cancelled_id", res.CancelledID),
		zap.Int64("command_id", res.Command.ID))
	c.JSON(http.StatusCreated, gin.H{"cancelled_id": res.CancelledID, "command": res.Command})
}

// TriggerSweep 手工触发策略扫描
// @Summary 手工触发信用控制扫描
// @Description 与定时扫描共用分布式锁；其他实例正在扫描时返回 409
// @Tags 运维 - 策略
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} policy.SweepResult "扫描结果"
// @Failure 409 {object} map[string]interface{} "扫描进行中"
// @Router /api/sweep [post]
func (h *OperatorHandler) TriggerSweep(c *gin.Context) {
	res, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		body := gin.H{"error": err.Error()}
		if res != nil {
			body["result"] = res
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	if res == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "sweep_in_progress"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ZeroBalanceReport 零余额报表
// @Summary 零余额电表报表
// @Tags 运维 - 策略
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} policy.Report "报表"
// @Router /api/reports/zero-balance [get]
func (h *OperatorHandler) ZeroBalanceReport(c *gin.Context) {
	r, err := h.sweeper.Report(c.Request.Context(), h.now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListSettings 全部设置
// @Summary 查询系统设置
// @Tags 运维 - 设置
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/settings [get]
func (h *OperatorHandler) ListSettings(c *gin.Context) {
	list, err := h.settings.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": list})
}

// GetSetting 单个设置
// @Summary 查询设置项
// @Tags 运维 - 设置
// @Produce json
// @Security ApiKeyAuth
// @Param key path string true "设置key"
// @Success 200 {object} settings.Entry "成功"
// @Failure 404 {object} map[string]interface{} "不存在"
// @Router /api/settings/{key} [get]
func (h *OperatorHandler) GetSetting(c *gin.Context) {
	e, err := h.settings.Get(c.Request.Context(), c.Param("key"))
	if errors.Is(err, coremodel.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, e)
}

// PutSettingRequest 设置写入请求
type PutSettingRequest struct {
	Value       string `json:"value"`
	Kind        string `json:"kind,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// PutSetting 修改设置（如切换 feature_credit_control）
// @Summary 修改设置项
// @Description 布尔值统一存为 true/false；数值类型校验可解析
// @Tags 运维 - 设置
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param key path string true "设置key"
// @Param request body PutSettingRequest true "新值"
// @Success 200 {object} settings.Entry "成功"
// @Failure 400 {object} map[string]interface{} "值非法"
// @Router /api/settings/{key} [put]
func (h *OperatorHandler) PutSetting(c *gin.Context) {
	ctx := c.Request.Context()
	var req PutSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	who := actor(c)
	e, err := h.settings.Set(ctx, settings.SetRequest{
		Key:         c.Param("key"),
		Value:       req.Value,
		Kind:        req.Kind,
		Category:    req.Category,
		Description: req.Description,
		UpdatedBy:   who,
	})
	if errors.Is(err, settings.ErrInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ev := audit.NewEvent(audit.EventSettingUpdated, map[string]any{
		"key":   e.Key,
		"value": e.Value,
		"kind":  e.Kind,
	})
	ev.Actor = who
	h.audit.Emit(ctx, ev)
	c.JSON(http.StatusOK, e)
}

// GetDeviceQueue 网络服务器侧下行队列
// @Summary 查询设备下行队列
// @Tags 运维 - 设备
// @Produce json
// @Security ApiKeyAuth
// @Param eui path string true "设备EUI"
// @Success 200 {object} map[string]interface{} "成功"
// @Failure 502 {object} map[string]interface{} "网络服务器错误"
// @Router /api/devices/{eui}/queue [get]
func (h *OperatorHandler) GetDeviceQueue(c *gin.Context) {
	dev, ok := deviceParam(c)
	if !ok {
		return
	}
	items, err := h.queue.ListQueue(c.Request.Context(), dev)
	if err != nil {
		h.logger.Warn("list device queue failed", zap.String("device_eui", string(dev)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_eui": dev, "total": len(items), "items": items})
}

// FlushDeviceQueue 清空网络服务器侧下行队列
// @Summary 清空设备下行队列
// @Description 不修改本地指令记录
// @Tags 运维 - 设备
// @Produce json
// @Security ApiKeyAuth
// @Param eui path string true "设备EUI"
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/devices/{eui}/queue [delete]
func (h *OperatorHandler) FlushDeviceQueue(c *gin.Context) {
	dev, ok := deviceParam(c)
	if !ok {
		return
	}
	if err := h.queue.FlushQueue(c.Request.Context(), dev); err != nil {
		h.logger.Warn("flush device queue failed", zap.String("device_eui", string(dev)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("device queue flushed", zap.String("device_eui", string(dev)), zap.String("actor", actor(c)))
	c.JSON(http.StatusOK, gin.H{"device_eui": dev, "flushed": true})
}

// AckDevice 上行 ACK 回调
// @Summary 确认设备最早的已发送指令
// @Tags 运维 - 设备
// @Produce json
// @Security ApiKeyAuth
// @Param eui path string true "设备EUI"
// @Success 200 {object} coremodel.Command "已完成"
// @Failure 404 {object} map[string]interface{} "无已发送指令"
// @Router /api/devices/{eui}/ack [post]
func (h *OperatorHandler) AckDevice(c *gin.Context) {
	dev, ok := deviceParam(c)
	if !ok {
		return
	}
	cmd, err := h.dispatcher.Acknowledge(c.Request.Context(), dev, h.now())
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// DispatcherStats 调度器与队列状态
// @Summary 调度器状态
// @Tags 运维 - 调度
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} map[string]interface{} "成功"
// @Router /api/dispatcher/stats [get]
func (h *OperatorHandler) DispatcherStats(c *gin.Context) {
	counts, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	body := gin.H{"commands": counts}
	if h.dispatcher != nil {
		body["dispatcher"] = h.dispatcher.Stats()
	}
	c.JSON(http.StatusOK, body)
}
