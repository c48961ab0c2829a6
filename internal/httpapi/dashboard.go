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
  <title>CellSync Documents</title>
  <style>
    body {
      margin: 0;
      padding: 24px;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: #1d2a2a;
      background: #f5f7f6;
    }
    h1 { font-size: 1.4rem; margin: 0 0 4px; }
    .sub { color: #6b7a7a; font-size: 0.85rem; margin-bottom: 18px; }
    table {
      width: 100%;
      max-width: 860px;
      border-collapse: collapse;
      background: #ffffff;
      border: 1px solid #d8e0de;
      border-radius: 8px;
      overflow: hidden;
    }
    th, td {
      text-align: left;
      padding: 9px 14px;
      border-bottom: 1px solid #e6ebea;
      font-size: 0.9rem;
    }
    th { background: #eef3f1; font-weight: 600; }
    .state { font-family: ui-monospace, monospace; font-size: 0.82rem; }
    .state.conflict-pending { color: #b4552f; }
    .state.synced { color: #1f7a5f; }
    .empty { color: #6b7a7a; padding: 18px 14px; }
    #error { color: #a33c32; margin-top: 12px; font-size: 0.85rem; }
  </style>
</head>
<body>
  <h1>CellSync</h1>
  <div class="sub">Open documents and their sync states. Refreshes every 2s.</div>
  <table>
    <thead><tr><th>Document</th><th>State</th><th>Cells</th></tr></thead>
    <tbody id="rows"><tr><td class="empty" colspan="3">Loading…</td></tr></tbody>
  </table>
  <div id="error"></div>
  <script>
    async function refresh() {
      const errBox = document.getElementById("error");
      try {
        const res = await fetch("/v1/documents");
        if (!res.ok) throw new Error("HTTP " + res.status);
        const data = await res.json();
        const rows = document.getElementById("rows");
        const docs = data.documents || [];
        if (docs.length === 0) {
          rows.innerHTML = '<tr><td class="empty" colspan="3">No documents open.</td></tr>';
        } else {
          docs.sort((a, b) => a.id.localeCompare(b.id));
          rows.innerHTML = docs.map(d =>
            '<tr><td>' + d.id + '</td><td class="state ' + d.state + '">' +
            d.state + '</td><td>' + d.cellCount + '</td></tr>').join("");
        }
        errBox.textContent = "";
      } catch (err) {
        errBox.textContent = "refresh failed: " + err.message;
      }
    }
    refresh();
    setInterval(refresh, 2000);
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, dashboardHTML)
}
