// Package docs holds the generated OpenAPI description of forgeflowd's
// operator HTTP surface. Hand-authored in the shape `swag init` produces
// (SwaggerInfo/docTemplate + swag.Register in an init()), since annotating
// cmd/forgeflowd/httpserver.go's handlers and running the generator isn't
// possible in this environment; the template mirrors the handlers'
// `@Router`/`@Success` annotations by hand instead of by codegen.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "forgeflowd operator API",
        "description": "Health, detailed health, Prometheus metrics, and dead-letter-queue inspection for the durable core daemon.",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "summary": "Aggregate safe-mode status",
                "responses": {
                    "200": {"description": "healthy"},
                    "503": {"description": "degraded or read-only safe mode"}
                }
            }
        },
        "/health/detailed": {
            "get": {
                "summary": "Per-target health-check status",
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/dlq/": {
            "get": {
                "summary": "List dead-letter queue entries",
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/dlq/{id}/replay": {
            "post": {
                "summary": "Replay a dead-letter entry",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "replayed"},
                    "500": {"description": "replay failed"}
                }
            }
        }
    }
}`

// SwaggerInfo is the registered spec consumers resolve through
// swag.GetSwagger("swagger").
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "forgeflowd operator API",
	Description:      "Health, detailed health, metrics, and DLQ inspection surface.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
