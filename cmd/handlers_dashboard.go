package main

import (
	"github.com/gin-gonic/gin"
)

// handleDashboard 管理员仪表板，数据通过 /admin/ws 推送
func handleDashboard() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(200, "text/html; charset=utf-8", []byte(DashboardHTML))
	}
}

// DashboardHTML 仪表板页面
const DashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Chat Gateway Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <link rel="stylesheet" href="https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css">
    <style>
        .modal-backdrop {
            backdrop-filter: blur(4px);
            background-color: rgba(0, 0, 0, 0.5);
        }
    </style>
</head>
<body class="bg-gray-100 min-h-screen">
    <!-- Login Modal -->
    <div id="loginModal" class="fixed inset-0 z-50 flex items-center justify-center modal-backdrop">
        <div class="bg-white rounded-lg shadow-xl w-full max-w-md mx-4">
            <div class="px-6 py-4 border-b">
                <h3 class="text-lg font-semibold"><i class="fas fa-lock mr-2"></i>Admin Login</h3>
            </div>
            <div class="p-6">
                <input id="tokenInput" type="password" placeholder="Admin token"
                       class="w-full border rounded px-3 py-2 mb-4 focus:outline-none focus:ring">
                <button onclick="login()" class="w-full bg-blue-600 text-white rounded py-2 hover:bg-blue-700">Connect</button>
                <p id="loginError" class="text-red-600 text-sm mt-2 hidden"></p>
            </div>
        </div>
    </div>

    <nav class="bg-white shadow">
        <div class="max-w-7xl mx-auto px-4 py-4 flex justify-between items-center">
            <h1 class="text-xl font-bold"><i class="fas fa-gears mr-2"></i>Chat Gateway</h1>
            <div class="text-sm text-gray-600">
                <span id="connState" class="mr-4"><i class="fas fa-circle text-gray-400"></i> offline</span>
                model: <span id="model" class="font-mono">-</span>
            </div>
        </div>
    </nav>

    <main class="max-w-7xl mx-auto px-4 py-6 space-y-6">
        <div class="grid grid-cols-1 md:grid-cols-4 gap-4">
            <div class="bg-white rounded shadow p-4"><div class="text-gray-500 text-sm">Keys available</div><div id="keysAvailable" class="text-2xl font-bold">-</div></div>
            <div class="bg-white rounded shadow p-4"><div class="text-gray-500 text-sm">Keys cooling / blocked</div><div id="keysDown" class="text-2xl font-bold">-</div></div>
            <div class="bg-white rounded shadow p-4"><div class="text-gray-500 text-sm">Proxies available</div><div id="proxiesAvailable" class="text-2xl font-bold">-</div></div>
            <div class="bg-white rounded shadow p-4"><div class="text-gray-500 text-sm">Strategy</div><div id="strategy" class="text-2xl font-bold">-</div></div>
        </div>

        <div class="bg-white rounded shadow p-4">
            <h2 class="font-semibold mb-2">Recommendations</h2>
            <ul id="recommendations" class="list-disc ml-6 text-sm"></ul>
        </div>

        <div class="bg-white rounded shadow p-4">
            <div class="flex justify-between items-center mb-2">
                <h2 class="font-semibold">API Keys</h2>
                <div class="space-x-2">
                    <button onclick="post('/admin/keys/rotate')" class="text-sm bg-gray-200 rounded px-3 py-1">Reset rotation</button>
                    <button onclick="post('/admin/keys/cleanup')" class="text-sm bg-gray-200 rounded px-3 py-1">Clean cooldowns</button>
                </div>
            </div>
            <table class="w-full text-sm">
                <thead><tr class="text-left text-gray-500"><th>#</th><th>Key</th><th>Status</th><th>Cooldown</th><th>Uses</th><th></th></tr></thead>
                <tbody id="keysTable"></tbody>
            </table>
        </div>

        <div class="bg-white rounded shadow p-4">
            <div class="flex justify-between items-center mb-2">
                <h2 class="font-semibold">Egress Routes</h2>
                <div class="space-x-2">
                    <button onclick="post('/admin/proxy/reload')" class="text-sm bg-gray-200 rounded px-3 py-1">Reload config</button>
                    <button onclick="post('/admin/proxy/test')" class="text-sm bg-gray-200 rounded px-3 py-1">Test connection</button>
                </div>
            </div>
            <table class="w-full text-sm">
                <thead><tr class="text-left text-gray-500"><th>Name</th><th>Priority</th><th>Status</th><th>Requests</th><th>Errors</th><th>Success</th><th>Score</th><th>Last error</th></tr></thead>
                <tbody id="routesTable"></tbody>
            </table>
            <pre id="actionResult" class="mt-3 text-xs bg-gray-50 p-2 rounded hidden"></pre>
        </div>
    </main>

    <script>
        let token = localStorage.getItem('adminToken') || '';
        let socket = null;

        function esc(s) {
            return String(s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
        }

        function login() {
            token = document.getElementById('tokenInput').value.trim();
            localStorage.setItem('adminToken', token);
            connect();
        }

        function connect() {
            if (!token) return;
            const proto = location.protocol === 'https:' ? 'wss' : 'ws';
            socket = new WebSocket(proto + '://' + location.host + '/admin/ws?token=' + encodeURIComponent(token));
            socket.onopen = () => {
                document.getElementById('loginModal').classList.add('hidden');
                document.getElementById('connState').innerHTML = '<i class="fas fa-circle text-green-500"></i> live';
            };
            socket.onmessage = ev => render(JSON.parse(ev.data));
            socket.onclose = () => {
                document.getElementById('connState').innerHTML = '<i class="fas fa-circle text-gray-400"></i> offline';
                const err = document.getElementById('loginError');
                err.textContent = 'Connection closed, check the token';
                err.classList.remove('hidden');
                document.getElementById('loginModal').classList.remove('hidden');
            };
        }

        async function post(path) {
            const res = await fetch(path, {method: 'POST', headers: {'Authorization': 'Bearer ' + token}});
            const out = document.getElementById('actionResult');
            out.textContent = JSON.stringify(await res.json(), null, 2);
            out.classList.remove('hidden');
        }

        async function unblock(id) {
            await post('/admin/keys/' + encodeURIComponent(id) + '/unblock');
        }

        function render(s) {
            document.getElementById('model').textContent = s.model;
            document.getElementById('keysAvailable').textContent = s.keys.available_keys + ' / ' + s.keys.total_keys;
            document.getElementById('keysDown').textContent = s.keys.cooldown_keys + ' / ' + s.keys.blocked_keys;
            document.getElementById('proxiesAvailable').textContent = s.proxies.available_proxies + ' / ' + s.proxies.total_proxies;
            document.getElementById('strategy').textContent = s.proxies.strategy;
            document.getElementById('recommendations').innerHTML = s.recommendations.map(r => '<li>' + esc(r) + '</li>').join('');

            document.getElementById('keysTable').innerHTML = (s.keys.details || []).map(k =>
                '<tr class="border-t"><td>' + k.index + '</td><td class="font-mono">' + esc(k.key_suffix) + '</td><td>' + esc(k.status) +
                '</td><td>' + (k.cooldown_remaining ? k.cooldown_remaining + 's' : '-') + '</td><td>' + k.uses + '</td><td>' +
                (k.status !== 'available' ? '<button class="text-blue-600" onclick="unblock(\'' + esc(k.id) + '\')">unblock</button>' : '') +
                '</td></tr>').join('');

            document.getElementById('routesTable').innerHTML = (s.proxies.details || []).map(r =>
                '<tr class="border-t"><td>' + esc(r.name) + '</td><td>' + r.priority + '</td><td>' + esc(r.status) +
                '</td><td>' + r.requests + '</td><td>' + r.errors + '</td><td>' + r.success_rate + '%</td><td>' + r.score +
                '</td><td>' + esc(r.last_error) + '</td></tr>').join('');
        }

        if (token) connect();
    </script>
</body>
</html>
`
