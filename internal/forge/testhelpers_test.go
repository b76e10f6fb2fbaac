package forge

import (
	"archive/zip"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobilipia/build-tools/internal/async"
	"github.com/mobilipia/build-tools/internal/controller"
	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/question"
)

// scriptedPresenter answers each question property from a fixed table.
type scriptedPresenter struct {
	mu       sync.Mutex
	answers  map[string][]string
	asked    []string
	logs     []string
	progress []string
}

func (p *scriptedPresenter) Ask(ctx context.Context, schema question.Schema) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	answer := map[string]any{}
	for field := range schema.Properties {
		p.asked = append(p.asked, field)
		if queue := p.answers[field]; len(queue) > 0 {
			answer[field] = queue[0]
			p.answers[field] = queue[1:]
		}
	}
	return answer, nil
}

func (p *scriptedPresenter) Invalid(error) {}

func (p *scriptedPresenter) ProgressStart(message string) { p.addProgress("start:" + message) }
func (p *scriptedPresenter) Progress(string, float64)     {}
func (p *scriptedPresenter) ProgressEnd(message string)   { p.addProgress("end:" + message) }

func (p *scriptedPresenter) addProgress(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, s)
}

func (p *scriptedPresenter) Log(level log.Level, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, level.String()+" "+message)
}

func (p *scriptedPresenter) Finish(controller.Outcome) {}

func (p *scriptedPresenter) askedFields() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.asked...)
}

// runTask drives task through the controller loop.
func runTask(t *testing.T, p *scriptedPresenter, name string, task async.Task, opts ...async.Option) controller.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return runTaskContext(ctx, p, name, task, opts...)
}

func runTaskContext(ctx context.Context, p *scriptedPresenter, name string, task async.Task, opts ...async.Option) controller.Outcome {
	loop := controller.New(p, controller.WithPollInterval(10*time.Millisecond))
	return loop.Run(ctx, async.NewCall(name, task, opts...))
}

func (p *scriptedPresenter) logLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.logs...)
}

// zipBytes builds an in-memory archive of files.
func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}
