package runner

import (
	"embed"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/zeebo/blake3"

	"fnrunner/internal/models"
	"fnrunner/internal/streamer"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var wrappers = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// PayloadFile is written next to the function code and passed as the first argument
const PayloadFile = "payload.json"

// Runtime knows how to wrap, prepare and start the code of one language
type Runtime struct {
	Name string
	// Manifests key the prepared dependencies. A nil list keys on every file.
	Manifests []string
	// Prepare builds dependencies into $FN_DEPS_DIR. Empty when there is nothing to build.
	Prepare string

	wrapperTemplate string
	wrapperFile     string
	command         func(startup string) string
}

var (
	Python = &Runtime{
		Name:            "python",
		Manifests:       []string{"requirements.txt"},
		Prepare:         `pip install --no-cache-dir --disable-pip-version-check --target "$FN_DEPS_DIR" -r requirements.txt`,
		wrapperTemplate: "python_runner.py.tmpl",
		wrapperFile:     "_fn_runner.py",
		command: func(string) string {
			return "python3 _fn_runner.py " + PayloadFile
		},
	}

	Golang = &Runtime{
		Name: "golang",
		Prepare: `if [ ! -f go.mod ]; then printf 'module fnfunction\n\ngo 1.23\n' > go.mod; fi && ` +
			`go mod tidy && go build -o "$FN_DEPS_DIR/fn_function" .`,
		wrapperTemplate: "go_runner.go.tmpl",
		wrapperFile:     "fn_runner.go",
		command: func(string) string {
			return `"$FN_DEPS_DIR/fn_function" ` + PayloadFile
		},
	}

	Node = &Runtime{
		Name:            "node",
		Manifests:       []string{"package.json", "package-lock.json"},
		Prepare:         `cp package*.json "$FN_DEPS_DIR"/ && npm install --omit=dev --no-audit --no-fund --prefix "$FN_DEPS_DIR"`,
		wrapperTemplate: "node_runner.js.tmpl",
		wrapperFile:     "_fn_runner.js",
		command: func(string) string {
			return `NODE_PATH="$FN_DEPS_DIR/node_modules" node _fn_runner.js ` + PayloadFile
		},
	}

	// Shell runs the startup file as a script that prints its own result block
	Shell = &Runtime{
		Name:      "shell",
		Manifests: []string{},
		command: func(startup string) string {
			return "sh " + shellQuote(startup) + " " + PayloadFile
		},
	}
)

// RuntimeFor picks the runtime from the image name, falling back on the startup file extension
func RuntimeFor(fn *models.Function) *Runtime {
	name := fn.Image
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, ":@"); i >= 0 {
		name = name[:i]
	}

	switch {
	case strings.HasPrefix(name, "python"), strings.HasPrefix(name, "pypy"):
		return Python
	case strings.HasPrefix(name, "golang"):
		return Golang
	case strings.HasPrefix(name, "node"):
		return Node
	}

	switch path.Ext(fn.StartupFile) {
	case ".py":
		return Python
	case ".go":
		return Golang
	case ".js", ".cjs":
		return Node
	}
	return Shell
}

type wrapperData struct {
	Startup     string
	Module      string
	StartMarker string
	EndMarker   string
}

// Wrapper renders the file that loads the payload, calls the user's entry point and prints the result
// block. ok is false for runtimes without a wrapper.
func (rt *Runtime) Wrapper(fn *models.Function) (name string, content []byte, ok bool, err error) {
	if rt.wrapperTemplate == "" {
		return "", nil, false, nil
	}

	var sb strings.Builder
	err = wrappers.ExecuteTemplate(&sb, rt.wrapperTemplate, wrapperData{
		Startup:     fn.StartupFile,
		Module:      strings.TrimSuffix(fn.StartupFile, path.Ext(fn.StartupFile)),
		StartMarker: streamer.StartMarker,
		EndMarker:   streamer.EndMarker,
	})
	if err != nil {
		return "", nil, false, fmt.Errorf("could not render %s wrapper: %w", rt.Name, err)
	}
	return rt.wrapperFile, []byte(sb.String()), true, nil
}

// Command returns the shell command that runs the function. ffmpeg is installed on the fly when asked for.
func (rt *Runtime) Command(fn *models.Function) []string {
	script := rt.command(fn.StartupFile)
	if fn.FFmpegInstall {
		script = "command -v ffmpeg >/dev/null 2>&1 || " +
			"{ (apt-get update && apt-get install -y --no-install-recommends ffmpeg) >/dev/null 2>&1 || " +
			"apk add --no-cache ffmpeg >/dev/null 2>&1; }; " + script
	}
	return []string{"sh", "-c", script}
}

// ManifestHash keys the prepared dependencies of a function. It is empty when the runtime has nothing
// to prepare for these files.
func (rt *Runtime) ManifestHash(files []models.FunctionFile) string {
	if rt.Prepare == "" {
		return ""
	}

	keyed := make([]models.FunctionFile, 0, len(files))
	for _, f := range files {
		if rt.Manifests == nil || contains(rt.Manifests, f.Name) {
			keyed = append(keyed, f)
		}
	}
	if len(keyed) == 0 {
		return ""
	}
	sort.Slice(keyed, func(i, j int) bool { return keyed[i].Name < keyed[j].Name })

	h := blake3.New()
	_, _ = h.Write([]byte(rt.Name))
	for _, f := range keyed {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(f.Name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(f.Content))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
