package monitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Parking Kiosk</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: sans-serif; background: #111; color: #eee; }
        .app { display: flex; flex-direction: column; align-items: center; justify-content: center; height: 100vh; gap: 24px; }
        .state { font-size: 28px; letter-spacing: 2px; text-transform: uppercase; color: #9aa; }
        .countdown { font-size: 120px; font-weight: bold; }
        .plate { font-size: 64px; font-weight: bold; padding: 12px 32px; border-radius: 12px; background: #222; }
        .success { border: 6px solid #2ecc71; }
        .failure { border: 6px solid #e74c3c; }
        .hidden { display: none; }
        .footer { position: fixed; bottom: 12px; font-size: 14px; color: #666; }
    </style>
</head>
<body>
    <div class="app">
        <div class="state" id="state">waiting for data...</div>
        <div class="countdown hidden" id="countdown"></div>
        <div class="plate hidden" id="plate"></div>
        <div class="footer" id="footer"></div>
    </div>
    <script>
        const stateEl = document.getElementById('state');
        const countdownEl = document.getElementById('countdown');
        const plateEl = document.getElementById('plate');
        const footerEl = document.getElementById('footer');

        const labels = {
            idle: 'Please drive forward',
            vehicle_detected: 'Vehicle detected, hold still',
            processing: 'Reading plate...',
            completed: 'Done',
        };

        function render(s) {
            stateEl.textContent = labels[s.state] || s.state;

            countdownEl.classList.toggle('hidden', s.state !== 'vehicle_detected' || !s.countdown);
            countdownEl.textContent = s.countdown || '';

            const res = s.last_result;
            plateEl.classList.remove('success', 'failure');
            if (s.state === 'completed' || s.last_feedback !== 'none') {
                plateEl.classList.remove('hidden');
                plateEl.textContent = res && res.plate_text ? res.plate_text : 'Not recognized';
                plateEl.classList.add(s.last_feedback === 'success' ? 'success' : 'failure');
            } else {
                plateEl.classList.add('hidden');
            }

            footerEl.textContent = (s.running ? 'running' : 'stopped') +
                ' | failures in a row: ' + s.consecutive_failures;
        }

        function connect() {
            const source = new EventSource('/api/status/stream');
            source.onmessage = (ev) => render(JSON.parse(ev.data));
            source.onerror = () => {
                source.close();
                setTimeout(connect, 2000);
            };
        }
        connect();
    </script>
</body>
</html>
`
