package setup

import (
	"os"
	"path/filepath"
)

func mkdirAllForFile(target string) error {
	return os.MkdirAll(filepath.Dir(target), 0755)
}

func writeFileString(target, content string) error {
	return os.WriteFile(target, []byte(content), 0644)
}
