package consultation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
	"medscribe/internal/lock"
	"medscribe/internal/logging"
	"medscribe/internal/retry"
	"medscribe/internal/usage"
	"medscribe/internal/worker"
)

// Submitter queues background jobs. *worker.Pool satisfies it.
type Submitter interface {
	Submit(job worker.Job, wait time.Duration) error
}

// Deps are the collaborators of the engine. Deliverer, Stream, Jobs and
// Observer are optional.
type Deps struct {
	Repo        Repository
	Locker      lock.Locker
	Audio       AudioStore
	Transcriber Transcriber
	Extractor   Extractor
	Synthesizer Synthesizer
	Usage       UsageRecorder
	Pricing     usage.Pricing
	Renderer    Renderer
	Artifacts   ArtifactStore
	Deliverer   Deliverer
	Stream      audit.Sink
	Jobs        Submitter
	SubmitWait  time.Duration
	Policy      retry.Policy
	Observer    Observer
	Clock       func() time.Time
}

// Engine owns the consultation state machine. Every mutating operation runs
// under the per-consultation lock and commits its audit event together with
// the state change.
type Engine struct {
	repo        Repository
	locker      lock.Locker
	audio       AudioStore
	transcriber Transcriber
	extractor   Extractor
	synthesizer Synthesizer
	usage       UsageRecorder
	pricing     usage.Pricing
	renderer    Renderer
	artifacts   ArtifactStore
	deliverer   Deliverer
	stream      audit.Sink
	jobs        Submitter
	submitWait  time.Duration
	policy      retry.Policy
	observer    Observer
	now         func() time.Time

	cancelled sync.Map
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		repo:        d.Repo,
		locker:      d.Locker,
		audio:       d.Audio,
		transcriber: d.Transcriber,
		extractor:   d.Extractor,
		synthesizer: d.Synthesizer,
		usage:       d.Usage,
		pricing:     d.Pricing,
		renderer:    d.Renderer,
		artifacts:   d.Artifacts,
		deliverer:   d.Deliverer,
		stream:      d.Stream,
		jobs:        d.Jobs,
		submitWait:  d.SubmitWait,
		policy:      d.Policy,
		observer:    d.Observer,
		now:         d.Clock,
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.submitWait <= 0 {
		e.submitWait = 2 * time.Second
	}
	return e
}

var errCancelled = errors.NewStd("cancelled")

// pipelineStages run inside Run. Artifact generation follows approval.
var pipelineStages = []Stage{
	StageAudioValidation,
	StageTranscription,
	StageEntityExtraction,
	StageNoteSynthesis,
}

// Run drives a processing consultation through the pipeline until it
// reaches review or failed. Stages already completed by an earlier run are
// skipped. When ctx ends mid-stage the consultation stays in processing so
// a later run can resume it.
func (e *Engine) Run(ctx context.Context, id uuid.UUID) error {
	release, err := e.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	c, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusProcessing {
		return errors.InvalidTransition(component, "start", stateOf(c))
	}

	logger := logging.NewLogger(ctx).WithField("consultation_id", id)
	logger.Infof("pipeline started")

	var audio []byte
	for _, stage := range pipelineStages {
		if c.Progress[stage] == StageCompleted {
			continue
		}
		if _, ok := e.cancelled.Load(id); ok {
			return e.fail(ctx, c, stage, errCancelled)
		}

		start := e.now()
		err := e.runStage(ctx, c, stage, &audio)
		e.observer.ObserveStage(string(stage), err == nil, e.now().Sub(start))
		if err == nil {
			continue
		}
		if ctx.Err() != nil && !errors.IsCategory(err, errors.CategoryValidation) {
			logger.WithField("stage", stage).Warnf("pipeline interrupted, left in processing: %v", err)
			return err
		}
		return e.fail(ctx, c, stage, err)
	}

	// a cancel that arrived during the last stage no longer applies
	e.cancelled.Delete(id)
	logger.WithField("generation_time", c.GenerationTime.String()).Infof("pipeline finished, awaiting review")
	return nil
}

func (e *Engine) runStage(ctx context.Context, c *Consultation, stage Stage, audio *[]byte) error {
	if err := e.setStage(ctx, c, stage, StageProcessing, nil); err != nil {
		return err
	}

	switch stage {
	case StageAudioValidation:
		data, err := e.loadAudio(ctx, c)
		if err != nil {
			return err
		}
		*audio = data
		return e.setStage(ctx, c, stage, StageCompleted, map[string]any{
			"duration_seconds": c.Audio.Duration.Seconds(),
			"format":           c.Audio.Format,
		})

	case StageTranscription:
		if *audio == nil {
			data, err := e.loadAudio(ctx, c)
			if err != nil {
				return err
			}
			*audio = data
		}
		req := TranscriptionRequest{
			ConsultationID: c.ID,
			Audio:          *audio,
			Format:         c.Audio.Format,
			Language:       c.Language,
			Duration:       c.Audio.Duration,
		}
		var out *Transcript
		err := e.call(ctx, c, stage, "transcribe", func(ctx context.Context) (usage.Call, error) {
			t, call, err := e.transcriber.Transcribe(ctx, req)
			if err == nil && t == nil {
				err = errors.Transient(component, call.Provider, errors.NewStd("no transcript returned"))
			}
			out = t
			return call, err
		})
		if err != nil {
			return err
		}
		if out.Language == "" {
			out.Language = c.Language
		}
		c.Transcript = out
		return e.setStage(ctx, c, stage, StageCompleted, map[string]any{"segments": len(out.Segments)})

	case StageEntityExtraction:
		if c.Transcript.Empty() {
			return errors.Validation(component, "transcript", "transcript is empty")
		}
		var out *Entities
		err := e.call(ctx, c, stage, "extract", func(ctx context.Context) (usage.Call, error) {
			ent, call, err := e.extractor.Extract(ctx, *c.Transcript)
			if err == nil && ent == nil {
				err = errors.Transient(component, call.Provider, errors.NewStd("no entities returned"))
			}
			out = ent
			return call, err
		})
		if err != nil {
			return err
		}
		c.Entities = out
		return e.setStage(ctx, c, stage, StageCompleted, map[string]any{
			"symptoms":    len(out.Symptoms),
			"medications": len(out.Medications),
			"diagnoses":   len(out.Diagnoses),
		})

	case StageNoteSynthesis:
		if c.Transcript.Empty() || c.Entities == nil {
			return errors.Validation(component, "entities", "note synthesis needs a transcript and entities")
		}
		var out *Synthesis
		err := e.call(ctx, c, stage, "synthesize", func(ctx context.Context) (usage.Call, error) {
			s, call, err := e.synthesizer.Synthesize(ctx, *c.Transcript, *c.Entities)
			if err == nil && s == nil {
				err = errors.Transient(component, call.Provider, errors.NewStd("no note returned"))
			}
			out = s
			return call, err
		})
		if err != nil {
			return err
		}
		return e.enterReview(ctx, c, out)
	}
	return nil
}

// enterReview stores the note and moves the consultation to review in one
// commit. c only changes once the commit succeeds, so a failed commit can
// still be recorded as a failure.
func (e *Engine) enterReview(ctx context.Context, c *Consultation, s *Synthesis) error {
	now := e.now()
	next := c.Clone()
	note := s.Note
	next.Note = &note
	next.Codes = append([]Code{}, s.Codes...)
	next.GenerationMethod = s.Method
	if next.GenerationMethod == "" {
		next.GenerationMethod = MethodLLM
	}
	next.GenerationTime = now.Sub(next.CreatedAt)
	next.Progress[StageNoteSynthesis] = StageCompleted
	next.Status = StatusReview
	next.ReviewStatus = ReviewPending
	next.UpdatedAt = now

	err := e.commit(ctx, audit.System(), next, audit.ActionUpdate, map[string]any{
		"stage":             StageNoteSynthesis,
		"from":              StatusProcessing,
		"to":                StatusReview,
		"generation_method": next.GenerationMethod,
		"cost":              next.Cost,
	}, nil)
	if err != nil {
		return err
	}
	*c = *next
	e.observer.ObserveTransition(string(StatusProcessing), string(StatusReview))
	return nil
}

func (e *Engine) loadAudio(ctx context.Context, c *Consultation) ([]byte, error) {
	if !c.Language.Valid() {
		return nil, errors.Validation(component, "language", "language %q is not supported", c.Language)
	}
	if c.Audio.Ref == "" {
		return nil, errors.Validation(component, "audio", "consultation has no audio")
	}
	if c.Audio.Duration <= 0 {
		return nil, errors.Validation(component, "duration_seconds", "audio duration is unknown")
	}
	data, err := e.audio.Get(ctx, c.Audio.Ref)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryNotFound) {
			return nil, errors.Validation(component, "audio", "stored audio %s is missing", c.Audio.Ref)
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Validation(component, "audio", "stored audio is empty")
	}
	return data, nil
}

// call runs one provider operation under the retry policy and records a
// usage record for every attempt.
func (e *Engine) call(ctx context.Context, c *Consultation, stage Stage, op string, fn func(ctx context.Context) (usage.Call, error)) error {
	return e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := e.now()
		call, err := fn(ctx)
		took := e.now().Sub(start)

		logger := logging.NewLogger(ctx).WithFields(map[string]any{
			"consultation_id": c.ID,
			"stage":           stage,
			"attempt":         attempt,
		})

		rec := usage.Record{
			ConsultationID: uuid.NullUUID{UUID: c.ID, Valid: true},
			Provider:       call.Provider,
			Model:          call.Model,
			Operation:      op,
			Attempt:        attempt,
			Duration:       took,
			RequestBytes:   call.RequestBytes,
			ResponseBytes:  call.ResponseBytes,
			InputTokens:    call.InputTokens,
			OutputTokens:   call.OutputTokens,
			AudioSeconds:   call.AudioSeconds,
			Success:        err == nil,
		}
		if rec.Provider == "" {
			rec.Provider = "unknown"
		}
		if err != nil {
			// failed transcriptions are not billed per minute
			call.AudioSeconds = 0
			rec.AudioSeconds = 0
			rec.Error = err.Error()
		}
		rec.Cost = e.pricing.Cost(call)
		rec = e.usage.Record(context.WithoutCancel(ctx), rec)
		c.Cost += rec.Cost
		e.observer.ObserveAttempt(string(stage), err == nil)

		if err != nil {
			logger.Warnf("%s attempt failed: %v", op, err)
		} else {
			logger.Debugf("%s attempt took %s", op, took)
		}
		return err
	}, nil)
}

func (e *Engine) setStage(ctx context.Context, c *Consultation, stage Stage, state StageState, details map[string]any) error {
	c.Progress[stage] = state
	c.UpdatedAt = e.now()
	if details == nil {
		details = make(map[string]any, 2)
	}
	details["stage"] = stage
	details["state"] = state
	return e.commit(ctx, audit.System(), c, audit.ActionUpdate, details, nil)
}

// fail moves the consultation to failed. It runs detached from ctx so a
// cancelled caller cannot leave the failure unrecorded.
func (e *Engine) fail(ctx context.Context, c *Consultation, stage Stage, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	c.Status = StatusFailed
	c.Progress[stage] = StageFailed
	c.FailureReason = cause.Error()
	c.CompletedAt = &now
	c.UpdatedAt = now

	logger := logging.NewLogger(ctx).WithFields(map[string]any{
		"consultation_id": c.ID,
		"stage":           stage,
	})

	details := map[string]any{
		"stage":    stage,
		"from":     StatusProcessing,
		"to":       StatusFailed,
		"reason":   c.FailureReason,
		"category": errors.CategoryOf(cause),
		"cost":     c.Cost,
	}
	if field := errors.FieldOf(cause); field != "" {
		details["field"] = field
	}
	if err := e.commit(ctx, audit.System(), c, audit.ActionUpdate, details, nil); err != nil {
		logger.Errorf("failed to record consultation failure: %v", err)
		return errors.Join(cause, err)
	}
	e.cancelled.Delete(c.ID)
	e.observer.ObserveTransition(string(StatusProcessing), string(StatusFailed))

	if errors.Is(cause, errCancelled) {
		logger.Infof("consultation cancelled")
		return cause
	}
	logger.Errorf("consultation failed: %v", cause)
	errors.Report(cause)
	return cause
}

// commit persists c together with one audit event, then mirrors the event
// to the stream.
func (e *Engine) commit(ctx context.Context, actor audit.Actor, c *Consultation, action audit.Action, details map[string]any, h *EditHistoryEntry) error {
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	event := audit.NewEvent(actor, action, c.ID, c.OwnerID, c.UpdatedAt, details)
	if err := e.repo.Commit(ctx, Mutation{Consultation: c, Event: event, History: h}); err != nil {
		return err
	}
	e.mirror(ctx, event)
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, event audit.Event) error {
	if err := e.repo.AppendEvent(ctx, event); err != nil {
		return err
	}
	e.mirror(ctx, event)
	return nil
}

func (e *Engine) mirror(ctx context.Context, event audit.Event) {
	if e.stream == nil {
		return
	}
	if err := e.stream.Append(context.WithoutCancel(ctx), event); err != nil {
		logging.NewLogger(ctx).WithField("event_id", event.ID).Warnf("audit stream publish failed: %v", err)
	}
}

// Dispatch queues a pipeline run for id.
func (e *Engine) Dispatch(id uuid.UUID) error {
	return e.submit(id, "pipeline", e.Run)
}

func (e *Engine) submit(id uuid.UUID, name string, fn func(ctx context.Context, id uuid.UUID) error) error {
	if e.jobs == nil {
		return errors.Newf("no worker pool configured").
			Component(component).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return e.jobs.Submit(func(ctx context.Context) {
		logger := logging.NewLogger(ctx).WithFields(map[string]any{"consultation_id": id, "job": name})
		if err := fn(ctx, id); err != nil {
			if errors.IsCategory(err, errors.CategoryTransition) {
				logger.Debugf("job skipped: %v", err)
				return
			}
			logger.Warnf("job ended with error: %v", err)
		}
	}, e.submitWait)
}

// load reads a consultation on behalf of actor. Consultations the actor
// does not own are reported as missing.
func (e *Engine) load(ctx context.Context, actor audit.Actor, id uuid.UUID) (*Consultation, error) {
	c, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(c.OwnerID) {
		return nil, errors.NotFound(component, "consultation", id.String())
	}
	return c, nil
}

func stateOf(c *Consultation) string {
	if c.Status == StatusReview && c.ReviewStatus != ReviewNone {
		return string(c.Status) + "/" + string(c.ReviewStatus)
	}
	return string(c.Status)
}
