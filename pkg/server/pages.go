package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/geoplatform/arcgis-relay/pkg/httputil"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data interface{}) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("template", name).Error("Failed to render page")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteHTML(w, status, buf.Bytes())
}
