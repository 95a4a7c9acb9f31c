package substituter

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"path/filepath"

	"github.com/pathforge/castore"
)

// ExecProgram forks a local executable substitute program, with argv
// `[basename(Path), storePath, ...args]`, per the local-exec substituter
// backend.
type ExecProgram struct {
	Path string
}

// Fetch runs the substitute program with destDir (the directory that holds
// path) as its working directory, expecting it to write path's contents there.
func (e ExecProgram) Fetch(ctx context.Context, path castore.StorePath, destDir string, args []string) ([]string, error) {
	argv := append([]string{string(path)}, args...)
	cmd := exec.CommandContext(ctx, e.Path, argv...)
	cmd.Args[0] = filepath.Base(e.Path)
	cmd.Dir = destDir

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Run(); err != nil {
		return scanLines(&combined), castore.SubstError(path, err)
	}
	return scanLines(&combined), nil
}

func scanLines(buf *bytes.Buffer) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
