package server

import (
	"net/http"

	"go.uber.org/zap"
)

// BoardPage serves a minimal browser viewer. It loads the current list,
// then applies created/deleted events from /ws keyed by message id. When
// the socket is refused it shows that live updates are unavailable and
// keeps a manual refresh button.
func (a *API) BoardPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(boardHTML)); err != nil {
		a.logger.Debug("error writing board page", zap.Error(err))
	}
}

const boardHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chatboard</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 400px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        .message { margin: 5px 0; padding: 3px; }
        .message img { max-width: 240px; display: block; }
        .message button { background-color: #a33; margin-left: 10px; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chatboard</h1>

    <div id="status" class="status disconnected">Loading...</div>

    <div>
        <input type="text" id="authorInput" placeholder="Your name">
        <input type="text" id="bodyInput" placeholder="Type a message...">
        <button id="sendButton">Send</button>
        <button id="refreshButton">Refresh</button>
    </div>

    <div id="messages"></div>

    <script>
        const byId = new Map();
        const messagesDiv = document.getElementById('messages');
        const statusDiv = document.getElementById('status');

        function setStatus(text, ok) {
            statusDiv.textContent = text;
            statusDiv.className = 'status ' + (ok ? 'connected' : 'disconnected');
        }

        function render() {
            const list = Array.from(byId.values());
            list.sort((a, b) => new Date(a.created_at) - new Date(b.created_at));
            messagesDiv.replaceChildren();
            for (const m of list) {
                const el = document.createElement('div');
                el.className = 'message';
                const who = document.createElement('strong');
                who.textContent = m.author + ': ';
                el.appendChild(who);
                el.appendChild(document.createTextNode(m.body));
                if (m.attachment_ref) {
                    const img = document.createElement('img');
                    img.src = m.attachment_ref;
                    el.appendChild(img);
                }
                const del = document.createElement('button');
                del.textContent = 'Delete';
                del.onclick = () => removeMessage(m.id);
                el.appendChild(del);
                messagesDiv.appendChild(el);
            }
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function apply(evt) {
            if (evt.type === 'created' && evt.message && !byId.has(evt.message.id)) {
                byId.set(evt.message.id, evt.message);
            } else if (evt.type === 'deleted' && evt.id) {
                byId.delete(evt.id);
            } else {
                return;
            }
            render();
        }

        async function refresh() {
            try {
                const res = await fetch('/api/messages');
                const data = await res.json();
                byId.clear();
                for (const m of data.messages || []) {
                    byId.set(m.id, m);
                }
                render();
            } catch (err) {
                setStatus('Failed to load messages', false);
            }
        }

        async function send() {
            const author = document.getElementById('authorInput').value.trim();
            const bodyInput = document.getElementById('bodyInput');
            const body = bodyInput.value.trim();
            if (!author || !body) {
                return;
            }
            const res = await fetch('/api/messages', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({ author, body }),
            });
            if (res.ok) {
                const data = await res.json();
                apply({ type: 'created', message: data.message });
                bodyInput.value = '';
            }
        }

        async function removeMessage(id) {
            const res = await fetch('/api/messages/' + encodeURIComponent(id), { method: 'DELETE' });
            if (res.ok || res.status === 404) {
                apply({ type: 'deleted', id });
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => setStatus('Live updates on', true);
            ws.onmessage = (event) => {
                for (const line of event.data.split('\n')) {
                    try {
                        apply(JSON.parse(line));
                    } catch (err) {
                        // ignore malformed frames
                    }
                }
            };
            ws.onclose = () => setStatus('Live updates unavailable, use Refresh', false);
        }

        document.getElementById('sendButton').onclick = send;
        document.getElementById('refreshButton').onclick = refresh;
        document.getElementById('bodyInput').addEventListener('keypress', (e) => {
            if (e.key === 'Enter') {
                send();
            }
        });

        refresh().then(connect);
    </script>
</body>
</html>`
