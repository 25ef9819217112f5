package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/INLOpen/nexusarchive/pubsub/natsbus"
	"github.com/INLOpen/nexusarchive/segment"
	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeConfig(t *testing.T, dir, natsURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.yaml")
	cfg := fmt.Sprintf(`
archive:
  dir: %q
  compression: lz4
recorder:
  max_batch_records: 4
  max_batch_delay: 50ms
logging:
  output: none
nats:
  url: %q
`, dir, natsURL)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func execute(ctx context.Context, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// seedSegment writes n records one second apart, alternating between two
// paths, in batches of three.
func seedSegment(t *testing.T, dir, name string, n int) {
	t.Helper()
	w, err := segment.Create(filepath.Join(dir, name+core.SegmentFileSuffix), core.NewSessionID(), segment.Options{Logger: discard})
	require.NoError(t, err)
	var batch core.Batch
	for i := 0; i < n; i++ {
		p := "/line/speed"
		if i%2 == 1 {
			p = "/line/temp"
		}
		batch.Records = append(batch.Records, core.Record{Path: p, Timestamp: int64(i+1) * int64(time.Second), Value: core.I64(int64(i))})
		if batch.Len() == 3 || i == n-1 {
			_, err := w.Append(&batch)
			require.NoError(t, err)
			batch = core.Batch{}
		}
	}
	require.NoError(t, w.Close())
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ts)

	ts, err = parseTimestamp("1500", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), ts)

	ts, err = parseTimestamp("2024-05-01T00:00:01.5Z", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 1, 500_000_000, time.UTC).UnixNano(), ts)

	_, err = parseTimestamp("yesterday", 0)
	assert.Error(t, err)
}

func TestInspectDumpReindex(t *testing.T) {
	dir := t.TempDir()
	seedSegment(t, dir, "line", 7)
	cfg := writeConfig(t, dir, "nats://127.0.0.1:1")

	out, err := execute(context.Background(), "--config", cfg, "inspect", "line")
	require.NoError(t, err)
	assert.Regexp(t, `batches:\s+3\n`, out)
	assert.Regexp(t, `records:\s+7\n`, out)
	assert.Contains(t, out, "first:")
	assert.Contains(t, out, formatTimestamp(7*int64(time.Second)))
	assert.Contains(t, out, "compression snappy:")

	out, err = execute(context.Background(), "--config", cfg, "dump", "line", "--path", "/line/speed", "--from", "2000000000", "--limit", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], formatTimestamp(3*int64(time.Second)))
	assert.Contains(t, lines[0], "/line/speed")
	assert.Contains(t, lines[1], formatTimestamp(5*int64(time.Second)))

	out, err = execute(context.Background(), "--config", cfg, "dump", filepath.Join(dir, "line.nxa"), "--to", "2000000000")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "line.nxa.idx"), []byte("garbage"), 0644))
	out, err = execute(context.Background(), "--config", cfg, "reindex", "line")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 3 batches")

	_, err = execute(context.Background(), "--config", cfg, "inspect", "missing")
	assert.Error(t, err)
	_, err = execute(context.Background(), "--config", cfg, "dump", "line", "--from", "soon")
	assert.Error(t, err)
}

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()
	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestRecordAndPlay(t *testing.T) {
	s := runTestNATSServer(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir, s.ClientURL())

	bus, err := natsbus.Connect(natsbus.Config{URL: s.ClientURL(), Logger: discard})
	require.NoError(t, err)
	defer bus.Close()

	type result struct {
		out string
		err error
	}
	baseline := s.NumSubscriptions()
	recorded := make(chan result, 1)
	go func() {
		out, err := execute(context.Background(), "--config", cfg, "record", "--segment", "shift", "--pattern", "/line/**", "--duration", "2s")
		recorded <- result{out, err}
	}()
	require.Eventually(t, func() bool { return s.NumSubscriptions() > baseline }, 5*time.Second, 10*time.Millisecond)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC).UnixNano()
	for i := 0; i < 10; i++ {
		u := pubsub.Update{Path: "/line/speed", Timestamp: base + int64(i)*int64(time.Millisecond), Value: core.I64(int64(i))}
		require.NoError(t, bus.PublishUpdate(context.Background(), u))
	}
	require.NoError(t, bus.PublishUpdate(context.Background(), pubsub.Update{Path: "/other", Timestamp: base, Value: core.Ok()}))
	require.NoError(t, bus.Flush())

	var rec result
	select {
	case rec = <-recorded:
	case <-time.After(10 * time.Second):
		t.Fatal("record did not finish")
	}
	require.NoError(t, rec.err)
	assert.Regexp(t, `records:\s+10\n`, rec.out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := bus.Subscribe(ctx, "/line/**")
	require.NoError(t, err)
	require.NoError(t, bus.Flush())

	out, err := execute(context.Background(), "--config", cfg, "play", "--segment", "shift", "--rate", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "published: 10")

	for i := 0; i < 10; i++ {
		select {
		case u := <-updates:
			v, ok := u.Value.Int64()
			require.True(t, ok)
			assert.Equal(t, int64(i), v)
			assert.Equal(t, base+int64(i)*int64(time.Millisecond), u.Timestamp)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 10 updates", i)
		}
	}

	_, err = execute(context.Background(), "--config", cfg, "record", "--segment", "shift", "--duration", "10ms")
	assert.ErrorIs(t, err, core.ErrAlreadyExists, "an existing segment is only appended to with --resume")
}
