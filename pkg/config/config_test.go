package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evhttpd.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMinimal(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(writeConf(t, "root="+root+"\nport=3000\nthreadnum=4\n"))
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, defaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, defaultMaxEvents, cfg.MaxEvents)
	assert.Equal(t, defaultReadBuffer, cfg.ReadBuffer)
	assert.Equal(t, "index.html", cfg.Index)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadOptionalKeys(t *testing.T) {
	root := t.TempDir()
	body := "root=" + root + `
port=8080
threadnum=2
host=127.0.0.1
idle_timeout=2s
queue_size=128
max_events=256
max_conns=1000
accept_rate=50.5
read_buffer=4096
index=home.html
log_level=debug
metrics_addr=127.0.0.1:9100
`
	cfg, err := Load(writeConf(t, body))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 2*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 128, cfg.QueueSize)
	assert.Equal(t, 256, cfg.MaxEvents)
	assert.EqualValues(t, 1000, cfg.MaxConns)
	assert.Equal(t, 50.5, cfg.AcceptRate)
	assert.Equal(t, 4096, cfg.ReadBuffer)
	assert.Equal(t, "home.html", cfg.Index)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
}

func TestLoadIdleTimeoutMilliseconds(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(writeConf(t, "root="+root+"\nport=3000\nthreadnum=1\nidle_timeout=250\n"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.IdleTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name string
		body string
	}{
		{"missing root", "port=3000\nthreadnum=4\n"},
		{"missing port", "root=" + root + "\nthreadnum=4\n"},
		{"missing threadnum", "root=" + root + "\nport=3000\n"},
		{"port not a number", "root=" + root + "\nport=http\nthreadnum=4\n"},
		{"port out of range", "root=" + root + "\nport=70000\nthreadnum=4\n"},
		{"zero threads", "root=" + root + "\nport=3000\nthreadnum=0\n"},
		{"threads not a number", "root=" + root + "\nport=3000\nthreadnum=four\n"},
		{"root missing on disk", "root=" + filepath.Join(root, "nope") + "\nport=3000\nthreadnum=4\n"},
		{"root is a file", "root=" + file + "\nport=3000\nthreadnum=4\n"},
		{"bad idle timeout", "root=" + root + "\nport=3000\nthreadnum=4\nidle_timeout=soon\n"},
		{"negative queue", "root=" + root + "\nport=3000\nthreadnum=4\nqueue_size=-1\n"},
		{"bad accept rate", "root=" + root + "\nport=3000\nthreadnum=4\naccept_rate=fast\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConf(t, tt.body))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	assert.ErrorIs(t, err, ErrConfig)
}
