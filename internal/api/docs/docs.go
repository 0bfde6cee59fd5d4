// Package docs 运维接口 OpenAPI 文档（swag 格式）
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "name": "X-API-Key", "in": "header"}
    },
    "security": [{"ApiKeyAuth": []}],
    "paths": {
        "/api/commands": {
            "get": {
                "tags": ["运维 - 指令"],
                "summary": "查询指令列表",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "device_eui", "in": "query"},
                    {"type": "string", "name": "kind", "in": "query"},
                    {"type": "string", "name": "status", "in": "query"},
                    {"type": "integer", "name": "limit", "in": "query"},
                    {"type": "integer", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "成功"}}
            },
            "post": {
                "tags": ["运维 - 指令"],
                "summary": "手工下发指令",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.EnqueueRequest"}}
                ],
                "responses": {
                    "201": {"description": "已入队"},
                    "400": {"description": "参数错误"},
                    "409": {"description": "已有活动指令"}
                }
            }
        },
        "/api/commands/supersede": {
            "post": {
                "tags": ["运维 - 指令"],
                "summary": "替换指令",
                "parameters": [
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.SupersedeRequest"}}
                ],
                "responses": {"201": {"description": "已替换"}, "409": {"description": "旧指令已发送"}}
            }
        },
        "/api/commands/{id}": {
            "get": {
                "tags": ["运维 - 指令"],
                "summary": "查询指令",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "成功"}, "404": {"description": "不存在"}}
            }
        },
        "/api/commands/{id}/cancel": {
            "post": {
                "tags": ["运维 - 指令"],
                "summary": "取消指令",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "已取消"}, "404": {"description": "不存在"}, "409": {"description": "已发送或已终结"}}
            }
        },
        "/api/sweep": {
            "post": {
                "tags": ["运维 - 策略"],
                "summary": "手工触发信用控制扫描",
                "responses": {"200": {"description": "扫描结果"}, "409": {"description": "扫描进行中"}}
            }
        },
        "/api/reports/zero-balance": {
            "get": {
                "tags": ["运维 - 策略"],
                "summary": "零余额电表报表",
                "responses": {"200": {"description": "报表"}}
            }
        },
        "/api/settings": {
            "get": {
                "tags": ["运维 - 设置"],
                "summary": "查询系统设置",
                "responses": {"200": {"description": "成功"}}
            }
        },
        "/api/settings/{key}": {
            "get": {
                "tags": ["运维 - 设置"],
                "summary": "查询设置项",
                "parameters": [{"type": "string", "name": "key", "in": "path", "required": true}],
                "responses": {"200": {"description": "成功"}, "404": {"description": "不存在"}}
            },
            "put": {
                "tags": ["运维 - 设置"],
                "summary": "修改设置项",
                "parameters": [
                    {"type": "string", "name": "key", "in": "path", "required": true},
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.PutSettingRequest"}}
                ],
                "responses": {"200": {"description": "成功"}, "400": {"description": "值非法"}}
            }
        },
        "/api/devices/{eui}/queue": {
            "get": {
                "tags": ["运维 - 设备"],
                "summary": "查询设备下行队列",
                "parameters": [{"type": "string", "name": "eui", "in": "path", "required": true}],
                "responses": {"200": {"description": "成功"}, "502": {"description": "网络服务器错误"}}
            },
            "delete": {
                "tags": ["运维 - 设备"],
                "summary": "清空设备下行队列",
                "parameters": [{"type": "string", "name": "eui", "in": "path", "required": true}],
                "responses": {"200": {"description": "成功"}}
            }
        },
        "/api/devices/{eui}/ack": {
            "post": {
                "tags": ["运维 - 设备"],
                "summary": "确认设备最早的已发送指令",
                "parameters": [{"type": "string", "name": "eui", "in": "path", "required": true}],
                "responses": {"200": {"description": "已完成"}, "404": {"description": "无已发送指令"}}
            }
        },
        "/api/dispatcher/stats": {
            "get": {
                "tags": ["运维 - 调度"],
                "summary": "调度器状态",
                "responses": {"200": {"description": "成功"}}
            }
        }
    },
    "definitions": {
        "api.EnqueueRequest": {
            "type": "object",
            "required": ["device_eui", "kind"],
            "properties": {
                "device_eui": {"type": "string"},
                "kind": {"type": "string", "enum": ["switch_on", "switch_off", "update_credit", "read_meter", "reset_meter", "update_config"]},
                "params": {"type": "string"},
                "priority": {"type": "integer"},
                "confirmed": {"type": "boolean"},
                "scheduled_at": {"type": "string"},
                "max_retries": {"type": "integer"}
            }
        },
        "api.SupersedeRequest": {
            "type": "object",
            "required": ["device_eui", "kind"],
            "properties": {
                "device_eui": {"type": "string"},
                "kind": {"type": "string"},
                "params": {"type": "string"},
                "priority": {"type": "integer"},
                "confirmed": {"type": "boolean"}
            }
        },
        "api.PutSettingRequest": {
            "type": "object",
            "properties": {
                "value": {"type": "string"},
                "kind": {"type": "string", "enum": ["boolean", "number", "string", "json"]},
                "category": {"type": "string"},
                "description": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Meter Dispatch Operator API",
	Description:      "LoRaWAN 电表下行指令调度运维接口",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
