// Package docs holds the embedded OpenAPI specification for the HTTP API.
package docs

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
