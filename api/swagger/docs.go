// Package swagger registers the OpenAPI document of the management API with
// swag so the Swagger UI at /swagger/ can serve it. Import it for its side
// effect.
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {
            "description": "HS256 token from plughost token. Format: \"Bearer {token}\"",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "security": [{"BearerAuth": []}],
    "paths": {
        "/health": {
            "get": {
                "tags": ["system"],
                "summary": "Service health with plugin state counts",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/server.HealthResponse"}}}
            }
        },
        "/plugins": {
            "get": {
                "tags": ["plugins"],
                "summary": "List plugins ordered by priority then id",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/server.PluginResponse"}}}}
            }
        },
        "/plugins/{id}": {
            "get": {
                "tags": ["plugins"],
                "summary": "Plugin detail with schema, options and info panel",
                "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.PluginDetail"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.Problem"}}
                }
            }
        },
        "/plugins/{id}/enabled": {
            "put": {
                "tags": ["plugins"],
                "summary": "Enable or disable a plugin",
                "description": "Disabling deactivates immediately. Enabling takes effect on the next reload.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/server.EnabledRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.PluginResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/server.Problem"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.Problem"}}
                }
            }
        },
        "/plugins/{id}/options/{key}": {
            "put": {
                "tags": ["plugins"],
                "summary": "Set a declared option",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "key", "in": "path", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/server.OptionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.OptionResponse"}},
                    "400": {"description": "Type mismatch", "schema": {"$ref": "#/definitions/server.Problem"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.Problem"}}
                }
            }
        },
        "/plugins/{id}/options/{key}/toggle": {
            "post": {
                "tags": ["plugins"],
                "summary": "Flip a boolean option",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "key", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.OptionResponse"}},
                    "400": {"description": "Option is not boolean", "schema": {"$ref": "#/definitions/server.Problem"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.Problem"}}
                }
            }
        },
        "/menu": {
            "get": {
                "tags": ["plugins"],
                "summary": "Menu entries contributed by active plugins",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/reload": {
            "post": {
                "tags": ["host"],
                "summary": "Deactivate, rediscover and resolve every plugin again",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/server.PluginResponse"}}},
                    "409": {"description": "Host not started", "schema": {"$ref": "#/definitions/server.Problem"}}
                }
            }
        },
        "/installer/rescan": {
            "post": {
                "tags": ["installer"],
                "summary": "Install every archive waiting in the staging directory",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/installer.Job"}}},
                    "409": {"description": "Installer not configured", "schema": {"$ref": "#/definitions/server.Problem"}}
                }
            }
        },
        "/installer/jobs": {
            "get": {
                "tags": ["installer"],
                "summary": "Recent install jobs, newest first",
                "produces": ["application/json"],
                "parameters": [{"type": "integer", "name": "limit", "in": "query", "minimum": 1, "maximum": 1000, "default": 50}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/installer.Job"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/server.Problem"}},
                    "409": {"description": "Journal disabled", "schema": {"$ref": "#/definitions/server.Problem"}}
                }
            }
        },
        "/ws/events": {
            "get": {
                "tags": ["events"],
                "summary": "WebSocket stream of bus events, optionally filtered by ?pattern=",
                "parameters": [{"type": "string", "name": "pattern", "in": "query"}],
                "responses": {"101": {"description": "Switching Protocols"}, "400": {"description": "Invalid pattern"}}
            }
        }
    },
    "definitions": {
        "server.Problem": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "title": {"type": "string"},
                "status": {"type": "integer"},
                "detail": {"type": "string"},
                "instance": {"type": "string"}
            }
        },
        "server.HealthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "service": {"type": "string"},
                "version": {"type": "object", "additionalProperties": {"type": "string"}},
                "plugins": {"type": "object", "additionalProperties": {"type": "integer"}}
            }
        },
        "server.PluginResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "version": {"type": "string"},
                "description": {"type": "string"},
                "priority": {"type": "integer"},
                "enabled": {"type": "boolean"},
                "state": {"type": "string", "enum": ["discovered", "pending_dependencies", "active", "failed", "disabled"]},
                "error": {"type": "string"},
                "dependencies": {"type": "array", "items": {"type": "string"}},
                "capabilities": {"type": "array", "items": {"type": "string"}},
                "builtin": {"type": "boolean"}
            }
        },
        "server.PluginDetail": {
            "allOf": [
                {"$ref": "#/definitions/server.PluginResponse"},
                {
                    "type": "object",
                    "properties": {
                        "schema": {"type": "array", "items": {"type": "object"}},
                        "options": {"type": "object"},
                        "info": {"type": "string"},
                        "emits": {"type": "array", "items": {"type": "string"}},
                        "listens": {"type": "array", "items": {"type": "string"}}
                    }
                }
            ]
        },
        "server.EnabledRequest": {
            "type": "object",
            "required": ["enabled"],
            "properties": {"enabled": {"type": "boolean"}}
        },
        "server.OptionRequest": {
            "type": "object",
            "properties": {"value": {}}
        },
        "server.OptionResponse": {
            "type": "object",
            "properties": {"plugin": {"type": "string"}, "key": {"type": "string"}, "value": {}}
        },
        "installer.Job": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "source_path": {"type": "string"},
                "staging_dir": {"type": "string"},
                "outcome": {"type": "string", "enum": ["pending", "installed", "invalid", "error"]},
                "error_detail": {"type": "string"},
                "plugin_id": {"type": "string"},
                "installed_path": {"type": "string"},
                "processed_path": {"type": "string"},
                "started_at": {"type": "string", "format": "date-time"},
                "finished_at": {"type": "string", "format": "date-time"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "plughost management API",
	Description:      "Inspect and control the plugins of a running plughost.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
