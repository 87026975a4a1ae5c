package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>RelayCRM Leads</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }
    .shell { max-width: 1240px; margin: 0 auto; display: grid; gap: 14px; }
    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
      display: flex;
      flex-wrap: wrap;
      gap: 10px;
      align-items: center;
    }
    h1 { margin: 0; font-size: 1.4rem; flex: 1 0 100%; }
    input, select, button {
      font: inherit;
      padding: 6px 10px;
      border: 1px solid var(--line);
      border-radius: 8px;
      background: #fff;
    }
    button { background: var(--accent); color: #fff; border: none; cursor: pointer; }
    button.stop { background: var(--danger); }
    progress { width: 220px; }
    .muted { color: var(--muted); }
    .warn { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; background: var(--card); }
    th, td { text-align: left; padding: 8px; border-bottom: 1px solid var(--line); }
    th { cursor: pointer; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>RelayCRM Leads</h1>
      <input id="token" type="password" placeholder="bearer token" size="28" />
      <a href="/v1/oauth/authorize">Connect CRM</a>
      <button id="sync">Sync</button>
      <button id="stop" class="stop">Stop</button>
      <button id="disconnect" class="stop">Disconnect</button>
      <progress id="progress" max="1" value="0"></progress>
      <span id="status" class="muted">idle</span>
    </div>
    <div class="bar">
      <input id="search" placeholder="search name, email, phone, source" size="36" />
      <label>Resume
        <select id="document"><option value="">any</option><option value="has">has</option><option value="none">none</option></select>
      </label>
      <label>Appointment
        <select id="appointment"><option value="">any</option><option value="has">has</option><option value="none">none</option></select>
      </label>
      <span id="count" class="muted"></span>
    </div>
    <table>
      <thead>
        <tr>
          <th data-sort="name">Name</th>
          <th data-sort="email">Email</th>
          <th data-sort="phone">Phone</th>
          <th data-sort="source">Source</th>
          <th data-sort="dateAdded">Added</th>
        </tr>
      </thead>
      <tbody id="rows"></tbody>
    </table>
  </div>
  <script>
    (() => {
      const $ = (id) => document.getElementById(id);
      const state = { sort: "dateAdded", desc: true, socket: null };
      $("token").value = localStorage.getItem("relaycrm.token") || "";

      const headers = () => ({
        "Authorization": "Bearer " + $("token").value.trim(),
        "X-Correlation-Id": "dash_" + Math.random().toString(36).slice(2)
      });

      const displayName = (c) =>
        [c.firstName, c.lastName].filter(Boolean).join(" ") || c.contactName || c.email || "";

      async function loadContacts() {
        const params = new URLSearchParams({
          search: $("search").value,
          document: $("document").value,
          appointment: $("appointment").value,
          sort: state.sort,
          desc: String(state.desc),
          limit: "500"
        });
        const resp = await fetch("/v1/contacts?" + params, { headers: headers() });
        if (!resp.ok) {
          $("status").textContent = "contacts: " + resp.status;
          return;
        }
        const data = await resp.json();
        $("count").textContent = data.total + " contacts" + (data.incomplete ? " (sync incomplete)" : "") +
          (data.appointmentsKnown ? "" : " (calendar unavailable)");
        $("count").className = data.incomplete ? "warn" : "muted";
        $("rows").innerHTML = "";
        for (const c of data.contacts) {
          const tr = document.createElement("tr");
          for (const value of [displayName(c), c.email, c.phone, c.source, c.dateAdded]) {
            const td = document.createElement("td");
            td.textContent = value || "";
            tr.appendChild(td);
          }
          $("rows").appendChild(tr);
        }
      }

      function openStream() {
        if (state.socket) state.socket.close();
        const proto = location.protocol === "https:" ? "wss:" : "ws:";
        const url = proto + "//" + location.host + "/v1/sync/stream?access_token=" + encodeURIComponent($("token").value.trim());
        const socket = new WebSocket(url);
        socket.onmessage = (msg) => {
          const ev = JSON.parse(msg.data);
          $("progress").max = Math.max(ev.progress.total, 1);
          $("progress").value = ev.progress.current;
          if (ev.type === "result" && ev.result) {
            $("status").textContent = ev.result.status + (ev.result.error ? ": " + ev.result.error : "");
            loadContacts();
          } else {
            $("status").textContent = ev.progress.current + " / " + ev.progress.total;
          }
        };
        state.socket = socket;
      }

      $("token").addEventListener("change", () => {
        localStorage.setItem("relaycrm.token", $("token").value.trim());
        openStream();
        loadContacts();
      });
      $("sync").addEventListener("click", () => fetch("/v1/sync", { method: "POST", headers: headers() }));
      $("stop").addEventListener("click", () => fetch("/v1/sync", { method: "DELETE", headers: headers() }));
      $("disconnect").addEventListener("click", async () => {
        const resp = await fetch("/v1/oauth/connection", { method: "DELETE", headers: headers() });
        $("status").textContent = resp.ok ? "disconnected" : "disconnect: " + resp.status;
      });
      for (const id of ["search", "document", "appointment"]) {
        $(id).addEventListener("input", loadContacts);
      }
      for (const th of document.querySelectorAll("th[data-sort]")) {
        th.addEventListener("click", () => {
          state.desc = state.sort === th.dataset.sort ? !state.desc : false;
          state.sort = th.dataset.sort;
          loadContacts();
        });
      }
      if ($("token").value) {
        openStream();
        loadContacts();
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
