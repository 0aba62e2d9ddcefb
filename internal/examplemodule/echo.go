// Package examplemodule is a trivial reference callback: it echoes its
// request back as its response and copies every uploaded blob into the
// result directory unchanged. It exists to exercise the host end-to-end
// (spec.md §8's happy-path scenario) without depending on a real
// module-specific workload, which is explicitly out of scope (spec.md §1).
package examplemodule

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kazuph/modulehost/internal/jsonvalue"
	"github.com/kazuph/modulehost/internal/modulehost"
)

// Name is the module name this callback registers under.
const Name = "echo"

// Callback implements modulehost.Callback.
func Callback(req jsonvalue.Value, workDir string, blobNames []string, logPath string, resultDir string) (jsonvalue.Value, error) {
	logf, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o600)
	if err == nil {
		defer logf.Close()
		fmt.Fprintf(logf, "echo: received %d blob(s)\n", len(blobNames))
	}

	for _, name := range blobNames {
		if err := copyFile(filepath.Join(workDir, name), filepath.Join(resultDir, name)); err != nil {
			return jsonvalue.Null, &modulehost.ModuleError{
				Message:   "failed to copy blob " + name,
				ErrorData: jsonvalue.Of(map[string]any{"blob": name}),
			}
		}
	}

	return req, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
