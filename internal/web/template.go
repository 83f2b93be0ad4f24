package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"isOutput": func(d gpio.Direction) bool { return d == gpio.Output },
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>buttond</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.high { color: green; font-weight: bold; }
.low { color: #888; }
.released { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>buttond</h1>

<h2>Outputs</h2>
<table>
{{range .Lines}}{{if isOutput .Direction}}<tr><th>{{.Name}} ({{.Offset}})</th><td class="{{if not .Acquired}}released{{else if eq .Level.String "HIGH"}}high{{else}}low{{end}}">{{if .Acquired}}{{.Level}}{{else}}released{{end}}</td></tr>
{{end}}{{end}}</table>

<h2>Inputs</h2>
<table>
{{range .Lines}}{{if not (isOutput .Direction)}}<tr><th>{{.Name}} ({{.Offset}})</th><td{{if not .Acquired}} class="released"{{end}}>{{.Triggers}}</td></tr>
{{end}}{{end}}<tr><th>Last trigger</th><td>{{if .LastTrigger}}{{.LastTrigger}}{{else}}none{{end}}</td></tr>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Deferred Work</h2>
<table>
<tr><th>State</th><td>{{.Deferred.State}}</td></tr>
<tr><th>Runs</th><td>{{.Deferred.Runs}}</td></tr>
<tr><th>Coalesced</th><td>{{.Deferred.Coalesced}}</td></tr>
<tr><th>Failures</th><td>{{.Deferred.Failures}}</td></tr>
<tr><th>Hold</th><td>{{.Config.HoldMs}}ms</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}off{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Chip</th><td>{{.Config.Chip}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has an Uptime method but the template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
