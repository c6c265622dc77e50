package modelfetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxAscend bounds how many parent directories Locate climbs.
const maxAscend = 10

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Locate finds a relative model path. It tries, in order: the path as given, each of
// dirs, the executable's directory, the working directory, and then the parents of
// the last two. The error lists every location tried.
func Locate(name string, dirs ...string) (string, error) {
	if fileExists(name) || filepath.IsAbs(name) {
		return name, nil
	}
	var tried []string
	seen := map[string]bool{}
	try := func(dir string) (string, bool) {
		if dir == "" || seen[dir] {
			return "", false
		}
		seen[dir] = true
		tried = append(tried, dir)
		p := filepath.Join(dir, name)
		return p, fileExists(p)
	}

	// 可执行文件所在目录优先于工作目录
	var roots []string
	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	for _, d := range append(append([]string{}, dirs...), roots...) {
		if p, ok := try(d); ok {
			return p, nil
		}
	}
	for _, root := range roots {
		cur := root
		for i := 0; i < maxAscend; i++ {
			parent := filepath.Dir(cur)
			if parent == cur {
				break
			}
			cur = parent
			if p, ok := try(cur); ok {
				return p, nil
			}
			if p, ok := try(filepath.Join(cur, "models")); ok {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("model %q not found, tried:\n  - %s", name, strings.Join(tried, "\n  - "))
}
