package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/humidistat/internal/models"
	"github.com/sweeney/humidistat/internal/status"
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
	"pct": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.1f%%", *v)
	},
	"ts": func(t time.Time) string {
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
	"ms": func(d time.Duration) int64 {
		return d.Milliseconds()
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Humidistat</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.ON { color: green; font-weight: bold; }
.OFF { color: #888; }
.warn { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Humidistat</h1>

<h2>Controllers</h2>
{{if .States}}<table>
<tr><th>Zone</th><th>Status</th><th>Last updated</th></tr>
{{range .States}}<tr><td>{{.ZoneID}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{ts .LastUpdated}}</td></tr>
{{end}}</table>{{else}}<p>No controller has been commanded yet.</p>{{end}}

<h2>Last Cycle</h2>
{{with .LastCycle}}<table>
<tr><th>ID</th><td colspan="5">{{.ID}}</td></tr>
<tr><th>Finished</th><td colspan="5">{{ts .Finished}} ({{ms (.Finished.Sub .Started)}}ms)</td></tr>
{{if .Error}}<tr><th>Error</th><td colspan="5" class="warn">{{.Error}}</td></tr>{{end}}
<tr><th>Zone</th><th>Outcome</th><th>Humidity</th><th>Target</th><th>Status</th><th>Note</th></tr>
{{range .Zones}}<tr><td>{{.Zone}}</td><td>{{.Outcome}}</td><td>{{pct .Humidity}}</td><td>{{if .Status}}{{.Thresholds.Target}} -{{.Thresholds.Down}}/+{{.Thresholds.Up}}{{end}}</td><td class="{{.Status}}">{{.Status}}</td><td class="warn">{{.Error}}</td></tr>
{{end}}</table>{{else}}<p>Waiting for the first cycle.</p>{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
<tr><th>Actuator</th><td>{{.Config.Actuator}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{ts .StartTime}}</td></tr>
<tr><th>Cycles</th><td>{{.Cycles}} ({{.SkippedTicks}} ticks skipped)</td></tr>
<tr><th>Interval</th><td>{{.Config.IntervalSeconds}}s</td></tr>
<tr><th>Freshness</th><td>{{.Config.FreshnessSeconds}}s</td></tr>
<tr><th>Timezone</th><td>{{.Config.Timezone}}</td></tr>
<tr><th>Zones</th><td>{{if .Config.Zones}}{{.Config.Zones}}{{else}}any with fresh readings{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/api/controllers">controllers</a> | <a href="/stats">stats</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, states []models.ControllerState) error {
	data := struct {
		status.Snapshot
		Uptime time.Duration
		States []models.ControllerState
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		States:   states,
	}
	return indexTmpl.Execute(w, data)
}
