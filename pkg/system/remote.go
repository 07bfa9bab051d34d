package system

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
	"github.com/openfroyo/provision/pkg/worker/client"
	"github.com/openfroyo/provision/pkg/worker/protocol"
)

// RemoteConfig describes how to reach a worker.
type RemoteConfig struct {
	// Name identifies the target in logs and metrics.
	Name string
	// Transport uploads and starts the worker.
	Transport client.Transport
	// WorkerPath is the local worker binary.
	WorkerPath string
	// RemotePath is where the binary runs on the worker host. Defaults to
	// WorkerPath.
	RemotePath     string
	StartupTimeout time.Duration
}

// Remote delegates execution to a worker process reached through a
// Transport. Actions travel as tagged records; the worker pulls shared files
// back through the same connection.
type Remote struct {
	name     string
	client   *client.Client
	files    *FileShare
	registry *actions.Registry
	tel      *telemetry.Telemetry
	log      *telemetry.Logger

	// dispatch serializes commands: the worker handles one at a time.
	dispatch sync.Mutex

	mu    sync.Mutex
	queue []queued
}

// NewRemote starts a worker and returns a System bound to it.
func NewRemote(ctx context.Context, env *Environment, cfg RemoteConfig) (*Remote, error) {
	if cfg.Name == "" {
		return nil, engine.Configf("remote system requires a name")
	}
	tel := env.telemetry()
	r := &Remote{
		name:     cfg.Name,
		files:    NewFileShare(),
		registry: env.registry(),
		tel:      tel,
		log:      tel.Logger.NewComponentLogger("system").WithTarget(cfg.Name),
	}

	c, err := client.NewClient(&client.Config{
		Transport:      cfg.Transport,
		WorkerPath:     cfg.WorkerPath,
		RemotePath:     cfg.RemotePath,
		StartupTimeout: cfg.StartupTimeout,
		Files:          r.files,
		Logger:         r.log,
		Metrics:        tel.Metrics,
		Tracer:         tel.Tracer,
		OnEvent:        r.onEvent,
	})
	if err != nil {
		return nil, engine.NewConfigurationError("invalid worker configuration", err).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	r.client = c
	return r, nil
}

func (r *Remote) onEvent(evt *protocol.EventMessage) {
	r.log.WithField("action_id", evt.ActionID).Debugf("[%s] %s", evt.State, evt.Message)
}

func (r *Remote) Name() string { return r.name }

func (r *Remote) ShareFile(path string) { r.files.Register(path) }

func (r *Remote) ShareFilePrefix(prefix string) { r.files.RegisterPrefix(prefix) }

func (r *Remote) Pipeline(id string) Pipeline {
	return &remotePipeline{id: id, sys: r}
}

func (r *Remote) SendPipelined(action actions.Action, info PipelineInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, queued{action: action, info: info})
}

func (r *Remote) next() (queued, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return queued{}, false
	}
	q := r.queue[0]
	r.queue = r.queue[1:]
	return q, true
}

// ReceiveActions sends queued actions to the worker one by one and hands each
// executed action to fn. Results are decoded into the queued action values.
func (r *Remote) ReceiveActions(ctx context.Context, fn func(actions.Action) error) error {
	for {
		q, ok := r.next()
		if !ok {
			return nil
		}
		if err := r.pipelineAdd(ctx, q); err != nil {
			return err
		}
		if err := fn(q.action); err != nil {
			return err
		}
	}
}

func (r *Remote) pipelineAdd(ctx context.Context, q queued) error {
	if err := actions.Prepare(q.action); err != nil {
		return err
	}
	rec, err := r.registry.Encode(q.action)
	if err != nil {
		return err
	}
	var result protocol.PipelineAddResult
	err = r.call(ctx, protocol.CommandTypePipelineAdd, &protocol.PipelineAddParams{
		Pipeline: q.info.ID,
		When:     q.info.When,
		Action:   rec,
	}, &result)
	if err != nil {
		return err
	}
	return r.merge(q.action, result.Action)
}

// RunActions sends the batch as one actions.run command. Files the actions
// need are shared first. On success the results are decoded into the batch
// values, in order.
func (r *Remote) RunActions(ctx context.Context, batch []actions.Action) ([]actions.Action, error) {
	ctx, span := r.tel.Tracer.StartBatchSpan(ctx, r.name, len(batch))
	defer span.End()
	start := time.Now()

	err := r.runBatch(ctx, batch)
	r.tel.Metrics.RecordBatch(r.name, err, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return batch, nil
}

func (r *Remote) runBatch(ctx context.Context, batch []actions.Action) error {
	for _, a := range batch {
		if err := actions.Prepare(a); err != nil {
			return err
		}
		for _, path := range a.NeededLocalFiles() {
			r.files.Register(path)
		}
	}
	records, err := r.registry.EncodeAll(batch)
	if err != nil {
		return err
	}

	var result protocol.RunActionsResult
	if err := r.call(ctx, protocol.CommandTypeRunActions, &protocol.RunActionsParams{Actions: records}, &result); err != nil {
		return err
	}
	if len(result.Actions) != len(batch) {
		return engine.NewProtocolError(
			fmt.Sprintf("worker returned %d results for %d actions", len(result.Actions), len(batch)), nil).
			WithCode(engine.ErrCodeUnexpectedMessage)
	}
	for i, a := range batch {
		if err := r.merge(a, result.Actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// merge copies the executed state of rec into a.
func (r *Remote) merge(a actions.Action, rec actions.Record) error {
	tag, err := r.registry.TagOf(a)
	if err != nil {
		return err
	}
	if rec.Type != tag {
		return engine.NewProtocolError(fmt.Sprintf("worker returned a %q record for a %q action", rec.Type, tag), nil).
			WithCode(engine.ErrCodeUnexpectedMessage)
	}
	if err := json.Unmarshal(rec.Fields, a); err != nil {
		return engine.NewProtocolError("malformed result record", err).
			WithCode(engine.ErrCodeMalformedRecord)
	}
	return nil
}

func (r *Remote) call(ctx context.Context, typ protocol.CommandType, params, result interface{}) error {
	cmd, err := protocol.NewCommand(typ, params)
	if err != nil {
		return engine.NewProtocolError("failed to build command", err).WithCode(engine.ErrCodeMalformedRecord)
	}

	r.dispatch.Lock()
	defer r.dispatch.Unlock()

	done, err := r.client.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if result != nil && len(done.Result) > 0 {
		if err := json.Unmarshal(done.Result, result); err != nil {
			return engine.NewProtocolError("malformed worker result", err).
				WithCode(engine.ErrCodeMalformedRecord)
		}
	}
	return nil
}

func (r *Remote) PipelineClose(ctx context.Context, id string) error {
	return r.call(ctx, protocol.CommandTypePipelineClose, &protocol.PipelineParams{Pipeline: id}, nil)
}

// Close shuts the worker down.
func (r *Remote) Close() error {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()
	return r.client.Close(context.Background())
}

type remotePipeline struct {
	id  string
	sys *Remote
}

func (p *remotePipeline) ID() string { return p.id }

func (p *remotePipeline) Add(action actions.Action, when map[string][]string) {
	p.sys.SendPipelined(action, PipelineInfo{ID: p.id, When: when})
}

func (p *remotePipeline) Reset(ctx context.Context) error {
	return p.sys.call(ctx, protocol.CommandTypePipelineReset, &protocol.PipelineParams{Pipeline: p.id}, nil)
}

func (p *remotePipeline) Close(ctx context.Context) error {
	return p.sys.PipelineClose(ctx, p.id)
}
