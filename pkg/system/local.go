package system

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
)

type queued struct {
	action actions.Action
	info   PipelineInfo
}

// inProcess implements System for substrates that execute in this process
// against a Target: Local and Chroot.
type inProcess struct {
	name      string
	target    actions.Target
	registry  *actions.Registry
	tel       *telemetry.Telemetry
	log       *telemetry.Logger
	pipelines *PipelineSet

	mu    sync.Mutex
	queue []queued
}

func newInProcess(name string, target actions.Target, env *Environment) *inProcess {
	tel := env.telemetry()
	return &inProcess{
		name:      name,
		target:    target,
		registry:  env.registry(),
		tel:       tel,
		log:       tel.Logger.NewComponentLogger("system").WithTarget(name),
		pipelines: NewPipelineSet(tel.Metrics),
	}
}

func (s *inProcess) Name() string { return s.name }

// ShareFile is a no-op: controller files are already reachable.
func (s *inProcess) ShareFile(string) {}

// ShareFilePrefix is a no-op: controller files are already reachable.
func (s *inProcess) ShareFilePrefix(string) {}

func (s *inProcess) Pipeline(id string) Pipeline {
	return &queuedPipeline{id: id, sys: s}
}

func (s *inProcess) SendPipelined(action actions.Action, info PipelineInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, queued{action: action, info: info})
}

func (s *inProcess) PipelineClose(_ context.Context, id string) error {
	s.pipelines.Close(id)
	return nil
}

func (s *inProcess) next() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return queued{}, false
	}
	q := s.queue[0]
	s.queue = s.queue[1:]
	return q, true
}

func (s *inProcess) ReceiveActions(ctx context.Context, fn func(actions.Action) error) error {
	for {
		q, ok := s.next()
		if !ok {
			return nil
		}
		if err := actions.Prepare(q.action); err != nil {
			return err
		}
		if err := s.pipelines.Execute(ctx, s.target, q.action, q.info); err != nil {
			s.log.WithPipeline(q.info.ID).WithError(err).Debug("pipelined action failed")
			return err
		}
		if err := fn(q.action); err != nil {
			return err
		}
	}
}

func (s *inProcess) RunActions(ctx context.Context, batch []actions.Action) ([]actions.Action, error) {
	ctx, span := s.tel.Tracer.StartBatchSpan(ctx, s.name, len(batch))
	defer span.End()
	start := time.Now()

	err := s.runBatch(ctx, batch)
	s.tel.Metrics.RecordBatch(s.name, err, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return batch, nil
}

func (s *inProcess) runBatch(ctx context.Context, batch []actions.Action) error {
	for _, a := range batch {
		if err := actions.Prepare(a); err != nil {
			return err
		}
	}
	for _, a := range batch {
		if err := Execute(ctx, s.target, a, s.tel.Metrics); err != nil {
			return err
		}
	}
	return nil
}

func (s *inProcess) Close() error { return nil }

// queuedPipeline adds to the owning system's queue.
type queuedPipeline struct {
	id  string
	sys *inProcess
}

func (p *queuedPipeline) ID() string { return p.id }

func (p *queuedPipeline) Add(action actions.Action, when map[string][]string) {
	p.sys.SendPipelined(action, PipelineInfo{ID: p.id, When: when})
}

func (p *queuedPipeline) Reset(context.Context) error {
	p.sys.pipelines.Reset(p.id)
	return nil
}

func (p *queuedPipeline) Close(ctx context.Context) error {
	return p.sys.PipelineClose(ctx, p.id)
}

// Local runs actions directly on this host.
type Local struct {
	*inProcess
}

// NewLocal creates a Local system.
func NewLocal(env *Environment) *Local {
	return &Local{inProcess: newInProcess("local", &LocalTarget{Exec: ExecCommand}, env)}
}

// LocalTarget is the Target for this host: paths are used as given, files
// are read directly.
type LocalTarget struct {
	Exec CommandExecutor
}

func (t *LocalTarget) Path(p string) string { return p }

func (t *LocalTarget) RunCommand(ctx context.Context, argv []string, opts actions.CommandOptions) (*actions.CommandResult, error) {
	return t.Exec(ctx, argv, opts)
}

func (t *LocalTarget) TransferFile(_ context.Context, src string, dst io.Writer) error {
	f, err := os.Open(src)
	if err != nil {
		return engine.NewExecutionError("failed to open "+src, err).WithCode(engine.ErrCodeFilesystem)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return engine.NewExecutionError("failed to copy "+src, err).WithCode(engine.ErrCodeFilesystem)
	}
	return nil
}
