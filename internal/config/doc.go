// Package config loads the service configuration from JSON or YAML, validates
// it and hot-reloads it through fsnotify.
//
// Both formats go through the same strict JSON decoder, so unknown keys are
// rejected instead of silently ignored. A reload that fails to parse or
// validate leaves the active config in place.
package config
