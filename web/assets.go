// Package web contains the embedded dashboard served by the admin server.
package web

import "embed"

// Templates contains embedded HTML templates for the built-in dashboard.
//
//go:embed *.html
var Templates embed.FS
