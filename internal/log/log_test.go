package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingSink struct {
	mu      sync.Mutex
	records []string
}

func (s *recordingSink) Log(level Level, cat Category, msg string, fields ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, level.String()+" "+string(cat)+" "+FormatFields(msg, fields...))
}

func TestLog_FormatsEntries(t *testing.T) {
	var buf syncBuffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	Info(CatCall, "emitted", "type", "log", "id")
	ErrorErr(CatRemote, "request failed", nil)

	out := buf.String()
	require.Contains(t, out, "[INFO] [call] emitted type=log id=<missing>")
	require.Contains(t, out, "[ERROR] [remote] request failed error=<nil>")
}

func TestLog_MinLevelAndDisabled(t *testing.T) {
	var buf syncBuffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	SetMinLevel(LevelWarn)
	Info(CatCall, "hidden")
	Warn(CatCall, "shown")

	SetEnabled(false)
	Error(CatCall, "also hidden")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"WARNING": LevelWarn,
		"warn":    LevelWarn,
		"ERROR":   LevelError,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}

	got, ok := ParseLevel("chatty")
	require.False(t, ok)
	require.Equal(t, LevelInfo, got)
}

func TestCtx_DivertsToSinkOnlyForBoundContext(t *testing.T) {
	var buf syncBuffer
	cleanup := InitWithWriter(&buf)
	defer cleanup()

	sink := &recordingSink{}
	taskCtx := WithSink(context.Background(), sink)

	Ctx(taskCtx).Info(CatTask, "from task", "step", 1)
	Ctx(context.Background()).Info(CatController, "from controller")

	require.Equal(t, []string{"INFO task from task step=1"}, sink.records)
	require.NotContains(t, buf.String(), "from task")
	require.Contains(t, buf.String(), "from controller")
}

func TestNewListener_ReceivesEntries(t *testing.T) {
	cleanup := InitWithWriter(nil)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(ctx)
	require.NotNil(t, l)

	Warn(CatDB, "slow query", "ms", 250)

	event, ok := l.Next()
	require.True(t, ok)
	require.Contains(t, event.Payload, "[WARN] [db] slow query ms=250")
}

func TestAccidentLog_FlushWritesBufferedEntries(t *testing.T) {
	cleanup := InitWithWriter(nil)
	defer cleanup()

	path := filepath.Join(t.TempDir(), "nested", "forge-error.log")
	acc := NewAccidentLog(path, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, acc.Attach(ctx))

	Debug(CatRemote, "GET /version_check")
	Error(CatTask, "boom")

	require.Eventually(t, func() bool { return acc.Len() == 2 }, time.Second, 5*time.Millisecond)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "nothing is written before Flush")

	require.NoError(t, acc.Flush())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "GET /version_check")
	require.Contains(t, lines[1], "boom")
	require.Equal(t, 0, acc.Len())
}

func TestAccidentLog_EvictsOldest(t *testing.T) {
	acc := NewAccidentLog(filepath.Join(t.TempDir(), "e.log"), 2)
	acc.Record("one\n")
	acc.Record("two\n")
	acc.Record("three\n")

	require.NoError(t, acc.Flush())
	data, err := os.ReadFile(acc.Path())
	require.NoError(t, err)
	require.Equal(t, "two\nthree\n", string(data))
}
