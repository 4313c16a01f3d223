package device

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// The server imports this package; the cgo audio backends belong in
// device/local.
func TestDevicePackageAvoidsCgoAudio(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	banned := []string{"github.com/gen2brain/malgo", "github.com/ebitengine/oto"}
	fset := token.NewFileSet()
	for _, name := range files {
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, name, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		for _, imp := range f.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			for _, b := range banned {
				if strings.HasPrefix(path, b) {
					t.Fatalf("%s imports %s", name, path)
				}
			}
			if path == "C" {
				t.Fatalf("%s uses cgo", name)
			}
		}
	}
}
