package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Crosswalk Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: sans-serif; background: #111; color: #eee; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 16px; }
        .title { font-size: 22px; font-weight: bold; }
        .badge { padding: 4px 10px; border-radius: 10px; background: #333; font-size: 13px; }
        .badge.ok { background: #1b5e20; }
        .badge.warn { background: #b71c1c; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 14px; }
        .panel h2 { margin: 0 0 6px; font-size: 16px; }
        .panel-subtitle { margin: 0 0 10px; color: #999; font-size: 12px; }
        .stat-grid { display: grid; grid-template-columns: 1fr 1fr; gap: 10px; }
        .stat { background: #252525; border-radius: 6px; padding: 10px; }
        .stat-label { display: block; color: #999; font-size: 12px; }
        .stat-value { display: block; font-size: 24px; }
        .on { color: #4caf50; }
        .off { color: #f44336; }
        .history-item { border-bottom: 1px solid #333; padding: 6px 0; font-size: 13px; }
        button { padding: 6px 14px; border: 0; border-radius: 4px; background: #1565c0; color: #fff; cursor: pointer; }
        button.recording { background: #c62828; }
        #stream { width: 100%; height: auto; background: #000; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Crosswalk Monitor</div>
            <span class="badge" id="status-badge">Waiting for frames...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live Feed</h2>
                <p class="panel-subtitle">Zones in blue, pedestrians on the crosswalk in green, others in red</p>
                <img id="stream" src="/stream" alt="Annotated crosswalk stream">
            </div>

            <div>
                <div class="panel">
                    <h2>Occupancy</h2>
                    <p class="panel-subtitle" id="stream-id">--</p>
                    <div class="stat-grid">
                        <div class="stat">
                            <span class="stat-label">Pedestrians</span>
                            <span class="stat-value" id="pedestrians">--</span>
                        </div>
                        <div class="stat">
                            <span class="stat-label">On crosswalk</span>
                            <span class="stat-value on" id="on-zone">--</span>
                        </div>
                        <div class="stat">
                            <span class="stat-label">Zones</span>
                            <span class="stat-value" id="zones">--</span>
                        </div>
                        <div class="stat">
                            <span class="stat-label">FPS</span>
                            <span class="stat-value" id="fps">--</span>
                        </div>
                    </div>
                </div>

                <div class="panel" style="margin-top:16px;">
                    <h2>Recording</h2>
                    <p class="panel-subtitle">Motion-JPEG of the annotated stream</p>
                    <button id="record-btn">Record</button>
                    <p class="panel-subtitle" id="record-info"></p>
                </div>

                <div class="panel" style="margin-top:16px;">
                    <h2>Recent frames with pedestrians</h2>
                    <div id="history"><p class="panel-subtitle">Nothing yet.</p></div>
                </div>
            </div>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);
        let recording = false;

        function renderStatus(s) {
            const m = s.monitor;
            $('fps').textContent = m.current_fps.toFixed(1);
            $('zones').textContent = m.zone_count;

            const latest = s.latest_occupancy;
            if (latest) {
                $('stream-id').textContent = 'Stream ' + latest.stream_id + ' frame #' + latest.frame_number;
                const badge = $('status-badge');
                badge.textContent = latest.degraded ? 'Degraded: ' + (latest.error || 'unknown') : 'Analysing';
                badge.className = 'badge ' + (latest.degraded ? 'warn' : 'ok');
            }

            const history = s.occupancy_history || [];
            if (history.length > 0) {
                $('history').innerHTML = history.map((h) =>
                    '<div class="history-item">#' + h.frame_number + ': ' +
                    '<span class="on">' + h.on_zone_count + ' on</span> / ' +
                    '<span class="off">' + h.off_zone_count + ' off</span></div>'
                ).join('');
            }
        }

        function renderOccupancy(o) {
            $('pedestrians').textContent = o.pedestrian_count;
            $('on-zone').textContent = o.on_zone_count;
        }

        new EventSource('/api/status/stream').onmessage = (e) => renderStatus(JSON.parse(e.data));
        new EventSource('/api/occupancy/stream').onmessage = (e) => renderOccupancy(JSON.parse(e.data));

        async function refreshRecording() {
            const r = await fetch('/api/recording/status');
            const s = await r.json();
            recording = s.recording;
            $('record-btn').textContent = recording ? 'Stop' : 'Record';
            $('record-btn').className = recording ? 'recording' : '';
            $('record-info').textContent = s.filename ? s.filename + ' (' + s.frame_count + ' frames)' : '';
        }

        $('record-btn').addEventListener('click', async () => {
            const path = recording ? '/api/recording/stop' : '/api/recording/start';
            const r = await fetch(path, { method: 'POST' });
            if (!r.ok) {
                const body = await r.json();
                $('record-info').textContent = body.error;
            }
            refreshRecording();
        });

        refreshRecording();
        setInterval(refreshRecording, 5000);
    </script>
</body>
</html>
`
