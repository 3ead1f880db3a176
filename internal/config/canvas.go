package config

import (
	"os"
	"path/filepath"
)

const canvasIndexScaffold = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Canvas</title></head>
<body></body>
</html>
`

// CanvasDir resolves (and scaffolds on first use) a canvas session directory
// under the app-data dir. New sessions get a default index.html.
func (s *Store) CanvasDir(sessionID string) (string, error) {
	dir := filepath.Join(s.dir, "canvas", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); os.IsNotExist(err) {
		if err := os.WriteFile(index, []byte(canvasIndexScaffold), 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}
