package web

import "embed"

// FS contains the embedded collector dashboard.
//
//go:embed index.html
var FS embed.FS
