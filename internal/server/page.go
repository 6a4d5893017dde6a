package server

import (
	"html/template"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type pageConfig struct {
	Headless bool   `json:"headless"`
	UI       string `json:"ui"`
}

type pageData struct {
	Config pageConfig
	Specs  []string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>pagetest</title>
    <link rel="stylesheet" href="/node_modules/mocha/mocha.css">
    <script>
      window.__pagetest__ = {{.Config}};
      window.process = { env: { NODE_ENV: "test" } };
    </script>
    <script src="/node_modules/mocha/mocha.js"></script>
    <script type="module" src="` + ClientPrefix + `setup.js"></script>
{{- range .Specs}}
    <script type="module" src="/{{.}}"></script>
{{- end}}
    <script type="module">
      mocha.run(function (failures) {
        if (window.__done__) {
          window.__done__(String(failures));
        }
      });
    </script>
  </head>
  <body>
    <div id="mocha"></div>
  </body>
</html>
`))

var headlessUA = regexp.MustCompile(`(?i)headless`)

// isHeadless treats a missing User-Agent as headless.
func isHeadless(ua string) bool {
	return ua == "" || headlessUA.MatchString(ua)
}

// findSpecs returns the spec files under root matching glob, relative to
// root with forward slashes, sorted. node_modules trees are skipped.
func findSpecs(root, glob string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), glob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if m == "node_modules" || strings.HasPrefix(m, "node_modules/") || strings.Contains(m, "/node_modules/") {
			continue
		}
		if !fs.ValidPath(m) {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}
