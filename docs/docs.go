// Package docs holds the OpenAPI description served at /swagger.
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
    "paths": {
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Liveness probe",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "object", "additionalProperties": {"type": "string"}}
                    }
                }
            }
        },
        "/health/ready": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Readiness probe with component checks",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/health.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/health.HealthResponse"}}
                }
            }
        },
        "/v1/preferences/{user_id}": {
            "get": {
                "description": "Returns the delivery channels enabled for a user, or the defaults",
                "produces": ["application/json"],
                "tags": ["preferences"],
                "summary": "Get channel preferences",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "user_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/preferences.ChannelPreference"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/shared.APIError"}}
                }
            },
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["preferences"],
                "summary": "Update channel preferences",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "user_id", "in": "path", "required": true},
                    {"description": "Fields to change", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/preferences.UpdateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/preferences.ChannelPreference"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/shared.APIError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/shared.APIError"}}
                }
            },
            "delete": {
                "tags": ["preferences"],
                "summary": "Reset channel preferences",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "user_id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/shared.APIError"}}
                }
            }
        },
        "/v1/sessions/metrics": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sessions"],
                "summary": "Get hourly chat counters",
                "parameters": [
                    {"type": "integer", "description": "Hours to look back (default 24, max 168)", "name": "hours", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/session.Metrics"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/shared.APIError"}}
                }
            }
        },
        "/v1/sessions/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sessions"],
                "summary": "Get chat session",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/session.Session"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/shared.APIError"}}
                }
            }
        },
        "/ws/chat": {
            "get": {
                "description": "Upgrades to a websocket carrying chat, playback and speech messages",
                "tags": ["chat"],
                "summary": "Open a chat session",
                "parameters": [
                    {"type": "string", "description": "Session to resume; a new id is generated when empty", "name": "session_id", "in": "query"},
                    {"type": "string", "description": "User whose channel preferences apply", "name": "user_id", "in": "query", "required": true}
                ],
                "responses": {
                    "101": {"description": "Switching Protocols"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/shared.APIError"}}
                }
            }
        }
    },
    "definitions": {
        "health.ComponentStatus": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "latency_ms": {"type": "integer"},
                "status": {"type": "string"}
            }
        },
        "health.HealthResponse": {
            "type": "object",
            "properties": {
                "components": {"type": "object", "additionalProperties": {"$ref": "#/definitions/health.ComponentStatus"}},
                "stats": {"type": "object"},
                "status": {"type": "string"},
                "timestamp": {"type": "string"},
                "uptime_seconds": {"type": "integer"},
                "version": {"type": "string"}
            }
        },
        "preferences.ChannelPreference": {
            "type": "object",
            "properties": {
                "audio_format": {"type": "string"},
                "created_at": {"type": "string"},
                "live2d_enabled": {"type": "boolean"},
                "speaker_id": {"type": "string"},
                "speech_speed": {"type": "number"},
                "text_enabled": {"type": "boolean"},
                "updated_at": {"type": "string"},
                "user_id": {"type": "string"}
            }
        },
        "preferences.UpdateRequest": {
            "type": "object",
            "properties": {
                "audio_format": {"type": "string"},
                "live2d_enabled": {"type": "boolean"},
                "speaker_id": {"type": "string"},
                "speech_speed": {"type": "number"},
                "text_enabled": {"type": "boolean"}
            }
        },
        "session.Metrics": {
            "type": "object",
            "properties": {
                "asr_commits": {"type": "integer"},
                "date": {"type": "string"},
                "error_count": {"type": "integer"},
                "hour": {"type": "integer"},
                "interrupts": {"type": "integer"},
                "messages": {"type": "integer"},
                "sessions": {"type": "integer"}
            }
        },
        "session.Session": {
            "type": "object",
            "properties": {
                "asr_enabled": {"type": "boolean"},
                "id": {"type": "string"},
                "last_active_at": {"type": "string"},
                "started_at": {"type": "string"},
                "status": {"type": "string"},
                "thinking_enabled": {"type": "boolean"},
                "user_id": {"type": "string"},
                "web_search_enabled": {"type": "boolean"}
            }
        },
        "shared.APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "details": {},
                "message": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Companion Backend API",
	Description:      "Chat, speech and channel delivery server for the companion frontend",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
