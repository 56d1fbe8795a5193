package web

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/relaycat/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	tmpl = template.Must(template.New("base").ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named template to w with data enriched by Now. Output is
// buffered so a failing template never leaves a partial page behind; the
// base view is rendered in its place.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		buf.Reset()
		if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
			return err
		}
	}
	_, err := buf.WriteTo(w)
	return err
}
