// Package api embeds the collector's OpenAPI specification for serving at
// runtime.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML specification of the collector
// HTTP API. Served at GET /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
