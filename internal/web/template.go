package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/doncaruana/zwave-switch/internal/status"
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
	"stateClass": func(s string) string {
		switch s {
		case "ON":
			return "on"
		case "OFF":
			return "off"
		default:
			return "unknown"
		}
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Switch Bridge</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Switch Bridge</h1>

<h2>Switches</h2>
<table>
<tr><th>Device</th><th>State</th><th>Soft toggle</th><th>Latches</th><th>Corrections</th><th></th></tr>
{{range .Devices}}<tr>
<td><a href="/devices/{{.ID}}">{{.ID}}</a>{{if .Rig}} (gpio){{end}}</td>
<td class="{{stateClass .State}}">{{.State}}</td>
<td>{{if .Preferences.SoftToggle}}on{{else}}off{{end}}</td>
<td>{{if .DigitalActive}}digital {{end}}{{if .InflightActive}}inflight&rarr;{{.InflightTarget}}{{end}}</td>
<td>{{.Counts.Corrections}}</td>
<td><button onclick="send('{{.ID}}','ON')">ON</button> <button onclick="send('{{.ID}}','OFF')">OFF</button></td>
</tr>{{else}}<tr><td colspan="6">no devices yet</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Config.EmbeddedBroker}}<tr><th>Embedded broker</th><td>{{.Config.EmbeddedBroker}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Counts</h2>
<table>
<tr><th>Reports</th><td>{{.Totals.Reports}}</td></tr>
<tr><th>Commands</th><td>{{.Totals.Commands}}</td></tr>
<tr><th>Corrections</th><td>{{.Totals.Corrections}}</td></tr>
<tr><th>Suppressed</th><td>{{.Totals.Suppressed}}</td></tr>
<tr><th>Discarded (inflight)</th><td>{{.Totals.DiscardedInflight}}</td></tr>
<tr><th>Discarded (echo)</th><td>{{.Totals.DiscardedEcho}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Instance</th><td>{{.InstanceID}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Heartbeat</th><td>{{if le .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Topics</th><td>{{.Config.ReportPrefix}} / {{.Config.StatePrefix}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
<script>
function send(id, state) {
  fetch("/devices/" + encodeURIComponent(id) + "/command", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({state: state})
  }).then(function() { setTimeout(function() { location.reload(); }, 300); });
}
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	devices := make([]status.DeviceJSON, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		devices = append(devices, status.BuildDevice(d))
	}
	data := struct {
		status.Snapshot
		Devices []status.DeviceJSON
		Uptime  time.Duration
	}{
		Snapshot: snap,
		Devices:  devices,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
