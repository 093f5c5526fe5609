// Package migrations содержит SQL миграции inventory (goose)
package migrations

import "embed"

// FS встроенные миграции для goose
//
//go:embed *.sql
var FS embed.FS
