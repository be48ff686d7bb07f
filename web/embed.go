package web

import (
	"embed"
	"io/fs"
)

// staticFiles holds the placeholder shell served in development mode when no
// built dashboard is present.
//
//go:embed static/*
var staticFiles embed.FS

// Static returns a filesystem rooted at the bundled static assets.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}

// FallbackShell returns the placeholder shell markup.
func FallbackShell() []byte {
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		return nil
	}
	return data
}
