package oauth

import (
	"html/template"
	"net/http"

	"github.com/giantswarm/oidc-provider/security"
)

// formPostScript submits the form_post response. It is static so it can be
// allowed by hash in the page's CSP.
const formPostScript = `document.forms[0].submit();`

const pageStyle = `body{font-family:system-ui,sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem;color:#1f2933}
h1{font-size:1.4rem}input[type=text]{font-size:1.2rem;letter-spacing:.2em;text-transform:uppercase;padding:.4rem}
button{font-size:1rem;padding:.4rem 1rem}.error{color:#b42318}iframe{display:none}`

var messageTemplate = template.Must(template.New("message").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title><style>` + pageStyle + `</style></head>
<body>
<h1>{{.Title}}</h1>
<p{{if .Error}} class="error"{{end}}>{{.Message}}</p>
</body>
</html>
`))

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Submitting</title></head>
<body>
<form method="post" action="{{.Action}}">
{{range $name, $values := .Params}}{{range $values}}<input type="hidden" name="{{$name}}" value="{{.}}">
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
<script>` + formPostScript + `</script>
</body>
</html>
`))

var logoutTemplate = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Signing out</title>
{{if .ContinueURL}}<meta http-equiv="refresh" content="3;url={{.ContinueURL}}">{{end}}
<style>` + pageStyle + `</style></head>
<body>
<h1>Signing out</h1>
<p>You are being signed out of your applications.</p>
{{range .FrontChannelURLs}}<iframe src="{{.}}" title="logout"></iframe>
{{end}}{{if .ContinueURL}}<p><a href="{{.ContinueURL}}">Continue</a></p>{{end}}
</body>
</html>
`))

var deviceTemplate = template.Must(template.New("device").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Device login</title><style>` + pageStyle + `</style></head>
<body>
<h1>Device login</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
{{if .AppName}}<p>Sign in to <strong>{{.AppName}}</strong> on your device?</p>{{else}}<p>Enter the code shown on your device.</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="text" name="code" value="{{.Code}}" autocomplete="off" autofocus required>
<button type="submit">Continue</button>
</form>
</body>
</html>
`))

type messagePage struct {
	Title   string
	Message string
	Error   bool
}

type formPostPage struct {
	Action string
	Params map[string][]string
}

type logoutPage struct {
	FrontChannelURLs []string
	ContinueURL      string
}

type devicePage struct {
	Action  string
	Code    string
	AppName string
	Error   string
}

func (h *Handler) render(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
	}
}

func (h *Handler) renderMessage(w http.ResponseWriter, status int, title, message string) {
	security.SetNoStore(w)
	h.render(w, status, messageTemplate, messagePage{Title: title, Message: message, Error: status >= http.StatusBadRequest})
}
