package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Fairbroker</title>
    <meta name="description" content="Peer-to-peer escrow broker">
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>⚖</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --text-tertiary: #52525b;
            --accent: #22c55e;
            --accent-dim: rgba(34, 197, 94, 0.1);
            --red: #ef4444;
            --amber: #f59e0b;
            --blue: #3b82f6;
        }

        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
            font-size: 14px;
            line-height: 1.5;
            -webkit-font-smoothing: antialiased;
        }

        .mono { font-family: 'JetBrains Mono', monospace; }

        .container {
            max-width: 1100px;
            margin: 0 auto;
            padding: 32px 24px;
        }

        header {
            display: flex;
            align-items: baseline;
            justify-content: space-between;
            margin-bottom: 32px;
        }

        h1 { font-size: 20px; font-weight: 600; }
        h1 .tag { color: var(--text-tertiary); font-weight: 400; font-size: 13px; margin-left: 8px; }

        .status {
            font-size: 12px;
            color: var(--text-secondary);
        }
        .status .dot {
            display: inline-block;
            width: 7px; height: 7px;
            border-radius: 50%;
            background: var(--text-tertiary);
            margin-right: 6px;
        }
        .status.live .dot { background: var(--accent); }

        .grid {
            display: grid;
            grid-template-columns: 3fr 2fr;
            gap: 24px;
        }
        @media (max-width: 800px) { .grid { grid-template-columns: 1fr; } }

        .panel {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            overflow: hidden;
        }
        .panel h2 {
            font-size: 12px;
            font-weight: 500;
            text-transform: uppercase;
            letter-spacing: 0.06em;
            color: var(--text-secondary);
            padding: 12px 16px;
            border-bottom: 1px solid var(--border);
        }

        table { width: 100%; border-collapse: collapse; }
        th, td { padding: 10px 16px; text-align: left; font-size: 13px; }
        th { color: var(--text-tertiary); font-weight: 500; }
        tr + tr td { border-top: 1px solid var(--border); }

        .badge {
            display: inline-block;
            padding: 1px 8px;
            border-radius: 10px;
            font-size: 11px;
        }
        .badge.sell { background: var(--accent-dim); color: var(--accent); }
        .badge.buy { background: rgba(59, 130, 246, 0.12); color: var(--blue); }
        .badge.disputed { background: rgba(239, 68, 68, 0.12); color: var(--red); }
        .badge.matched { background: rgba(245, 158, 11, 0.12); color: var(--amber); }

        #feed { max-height: 480px; overflow-y: auto; }
        .event {
            padding: 10px 16px;
            border-top: 1px solid var(--border);
            font-size: 12px;
            color: var(--text-secondary);
        }
        .event:first-child { border-top: none; }
        .event .type { color: var(--text); font-weight: 500; }
        .event .time { color: var(--text-tertiary); float: right; }

        .empty {
            padding: 32px 16px;
            text-align: center;
            color: var(--text-tertiary);
            font-size: 13px;
        }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <h1>Fairbroker<span class="tag">escrowed peer-to-peer offers</span></h1>
            <div class="status" id="status"><span class="dot"></span><span id="status-text">connecting</span></div>
        </header>

        <div class="grid">
            <div class="panel">
                <h2>Live offers</h2>
                <div id="offers"><div class="empty">Loading…</div></div>
            </div>
            <div class="panel">
                <h2>Live events</h2>
                <div id="feed"><div class="empty">Waiting for events</div></div>
            </div>
        </div>
    </div>

    <script>
        function short(id) {
            if (!id) return '';
            return id.length > 14 ? id.slice(0, 11) + '…' : id;
        }

        function offerBadges(o) {
            let out = '<span class="badge ' + o.direction + '">' + o.direction + '</span>';
            if (o.disputeOpened) out += ' <span class="badge disputed">disputed</span>';
            else if (o.counterparty) out += ' <span class="badge matched">matched</span>';
            return out;
        }

        async function loadOffers() {
            try {
                const res = await fetch('/v1/offers?limit=50');
                const body = await res.json();
                const offers = body.offers || [];
                const el = document.getElementById('offers');
                if (offers.length === 0) {
                    el.innerHTML = '<div class="empty">No offers yet</div>';
                    return;
                }
                let rows = offers.map(o =>
                    '<tr><td class="mono">#' + o.id + '</td>' +
                    '<td class="mono">' + short(o.creator) + '</td>' +
                    '<td class="mono">' + o.assetAmount + '</td>' +
                    '<td>' + offerBadges(o) + '</td></tr>'
                ).join('');
                el.innerHTML = '<table><tr><th>ID</th><th>Creator</th><th>Amount</th><th>Status</th></tr>' + rows + '</table>';
            } catch (e) {
                document.getElementById('offers').innerHTML = '<div class="empty">Failed to load offers</div>';
            }
        }

        let feedEmpty = true;
        function addEvent(ev) {
            const feed = document.getElementById('feed');
            if (feedEmpty) { feed.innerHTML = ''; feedEmpty = false; }
            const div = document.createElement('div');
            div.className = 'event';
            const detail = ev.data && ev.data.offerId !== undefined ? ' offer #' + ev.data.offerId : '';
            div.innerHTML = '<span class="type">' + ev.type + '</span>' + detail +
                '<span class="time">' + new Date().toLocaleTimeString() + '</span>';
            feed.prepend(div);
            while (feed.children.length > 50) feed.removeChild(feed.lastChild);
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss' : 'ws';
            const ws = new WebSocket(proto + '://' + location.host + '/ws');
            const status = document.getElementById('status');
            ws.onopen = () => {
                status.classList.add('live');
                document.getElementById('status-text').textContent = 'live';
            };
            ws.onmessage = (msg) => {
                try {
                    const ev = JSON.parse(msg.data);
                    addEvent(ev);
                    if (ev.type && ev.type.startsWith('offer')) loadOffers();
                } catch (e) { /* ignore malformed frames */ }
            };
            ws.onclose = () => {
                status.classList.remove('live');
                document.getElementById('status-text').textContent = 'reconnecting';
                setTimeout(connect, 3000);
            };
        }

        loadOffers();
        setInterval(loadOffers, 30000);
        connect();
    </script>
</body>
</html>`

// dashboardHandler serves the status page at /
func dashboardHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}
