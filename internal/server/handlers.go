// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const bannerText = "dmrelay server is running!"

// handleWebSocket upgrades GET requests to WebSocket and hands the new
// client to the hub, which launches its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(conn, s, r.RemoteAddr)
	if !s.hub.submit(client) {
		client.close()
		_ = conn.Close()
		s.logger.Info("rejected connection during shutdown", zap.String("remote", r.RemoteAddr))
	}
}

// handleBanner responds with a plain text banner indicating the server is up.
func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, bannerText)
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "ok")
}

// handleReadyz reports whether the store answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain")
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "store unavailable")
		return
	}
	_, _ = fmt.Fprint(w, "ready")
}

// handleTestPage serves a minimal HTML client for trying the relay from a
// browser: join under a name, pick a recipient, send direct messages.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Warn("error writing test page", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>dmrelay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages, #users {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #users { height: 120px; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .online { color: #155724; }
        .offline { color: #999; }
    </style>
</head>
<body>
    <h1>dmrelay WebSocket Test</h1>

    <div>
        <input type="text" id="userName" placeholder="Your username">
        <button onclick="join()">Join</button>
    </div>
    <div id="users"></div>
    <div>
        <input type="text" id="recipient" placeholder="Recipient">
        <input type="text" id="content" placeholder="Type a message...">
        <button onclick="sendChat()">Send</button>
    </div>
    <div id="messages"></div>

    <script>
        const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(proto + location.host + '/ws');
        const messagesDiv = document.getElementById('messages');
        const usersDiv = document.getElementById('users');

        function addLine(text) {
            const line = document.createElement('div');
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function showChat(m) {
            addLine('[' + m.timestamp + '] ' + m.from + ' -> ' + m.to + ': ' + m.content);
        }

        ws.onmessage = function(event) {
            const msg = JSON.parse(event.data);
            if (msg.type === 'chat') {
                showChat(msg);
            } else if (msg.type === 'history') {
                msg.messages.forEach(showChat);
            } else if (msg.type === 'userList') {
                usersDiv.innerHTML = '';
                msg.users.forEach(function(u) {
                    const line = document.createElement('div');
                    line.className = u.status;
                    line.textContent = u.username + ' (' + u.status + ', last seen ' + u.lastSeen + ')';
                    line.onclick = function() { document.getElementById('recipient').value = u.username; };
                    usersDiv.appendChild(line);
                });
            }
        };
        ws.onclose = function() { addLine('Connection closed'); };

        function join() {
            ws.send(JSON.stringify({type: 'join', userName: document.getElementById('userName').value}));
        }

        function sendChat() {
            const input = document.getElementById('content');
            ws.send(JSON.stringify({type: 'chat', to: document.getElementById('recipient').value, content: input.value}));
            input.value = '';
        }
    </script>
</body>
</html>`
