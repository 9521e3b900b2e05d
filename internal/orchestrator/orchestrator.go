// Package orchestrator runs hyperparameter searches: it samples trial
// configurations, launches trial runners within a resource budget, routes
// their reports through the early-stopping scheduler and collects the
// best result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/database"
	"github.com/accelbench/hpsearch/internal/metrics"
	"github.com/accelbench/hpsearch/internal/scheduler"
	"github.com/accelbench/hpsearch/internal/search"
	"github.com/accelbench/hpsearch/internal/trial"
)

// ErrUnknownTrial marks a report for a trial the search does not own.
var ErrUnknownTrial = errors.New("unknown trial")

// ErrNonMonotonic marks a report whose unit does not advance.
var ErrNonMonotonic = trial.ErrNonMonotonic

// Orchestrator manages searches. One Orchestrator may run several searches
// concurrently; each search has its own event loop.
type Orchestrator struct {
	Log    logr.Logger
	Repo   database.Repo
	Store  checkpoint.Store
	Prom   *metrics.Prom
	Sinks  []metrics.Sink
	Tracer trace.Tracer

	mu       sync.Mutex
	controls map[string]handle // trialID → handle
}

type handle struct {
	control *trial.Control
	notify  chan<- string
}

// New creates an Orchestrator. A nil repo or store falls back to the
// in-memory implementations.
func New(log logr.Logger, repo database.Repo, store checkpoint.Store) *Orchestrator {
	if repo == nil {
		repo = database.NewMemRepo()
	}
	if store == nil {
		store = checkpoint.NewMemStore()
	}
	return &Orchestrator{
		Log:      log.WithName("orchestrator"),
		Repo:     repo,
		Store:    store,
		Tracer:   otel.Tracer("github.com/accelbench/hpsearch/internal/orchestrator"),
		controls: make(map[string]handle),
	}
}

// CancelTrial asks a trial to stop at its next unit boundary. A paused trial
// is terminated without resuming. Returns true if the trial was found.
func (o *Orchestrator) CancelTrial(trialID string) bool {
	o.mu.Lock()
	h, ok := o.controls[trialID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	h.control.Stop()
	select {
	case h.notify <- trialID:
	default:
	}
	return true
}

func (o *Orchestrator) register(id string, h handle) {
	o.mu.Lock()
	o.controls[id] = h
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.controls, id)
	o.mu.Unlock()
}

// Search runs the full search: sample → admit → report → schedule →
// persist, until NumSamples trials are terminal. Only an invalid request
// returns an error before trials start; a cancelled ctx stops running
// trials at their next unit boundary and returns the partial result with
// the context error.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*Result, error) {
	s, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Wait()
}

// Running is a search started by Start.
type Running struct {
	ID   string
	done chan struct{}
	res  *Result
	err  error
}

// Done is closed when the search has finished.
func (s *Running) Done() <-chan struct{} { return s.done }

// Wait blocks until the search finishes and returns what Search would.
func (s *Running) Wait() (*Result, error) {
	<-s.done
	return s.res, s.err
}

// Start validates req, records the search and runs it in the background.
// The search stops when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Running, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sched, err := scheduler.New(req.Scheduler, req.Mode, req.MaxUnits, req.NumSamples)
	if err != nil {
		return nil, err
	}
	req.Space = req.Space.Clone()

	ctx, span := o.Tracer.Start(ctx, "search", trace.WithAttributes(
		attribute.String("search.name", req.Name),
		attribute.Int("search.num_samples", req.NumSamples),
		attribute.Int("search.max_units", req.MaxUnits),
	))

	searchID, err := o.Repo.CreateSearch(ctx, &database.Search{
		Name:       req.Name,
		Status:     database.SearchRunning,
		Metric:     req.Metric,
		Mode:       string(req.Mode),
		NumSamples: req.NumSamples,
		MaxUnits:   req.MaxUnits,
		Request:    describe(req),
	})
	if err != nil {
		span.End()
		return nil, fmt.Errorf("create search: %w", err)
	}
	span.SetAttributes(attribute.String("search.id", searchID))

	s := &Running{ID: searchID, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer span.End()
		s.res, s.err = o.execute(ctx, span, searchID, req, sched)
	}()
	return s, nil
}

func (o *Orchestrator) execute(ctx context.Context, span trace.Span, searchID string, req Request, sched scheduler.Scheduler) (*Result, error) {
	r := o.newRun(ctx, searchID, req, sched)
	r.log.Info("search started", "samples", req.NumSamples, "maxUnits", req.MaxUnits,
		"perTrial", req.ResourcesPerTrial.String(), "budget", req.Budget.String())

	r.loop(ctx)
	_ = r.group.Wait()

	res := r.result()
	o.complete(r.bg, searchID, res)
	span.SetAttributes(
		attribute.Int("search.completed", res.Completed),
		attribute.Int("search.terminated", res.Terminated),
		attribute.Int("search.errored", res.Errored),
	)
	r.log.Info("search finished", "completed", res.Completed, "terminated", res.Terminated,
		"errored", res.Errored, "best", res.Best)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return res, fmt.Errorf("search cancelled: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) complete(ctx context.Context, searchID string, res *Result) {
	sr := &database.SearchResult{
		Status:     database.SearchCompleted,
		Completed:  res.Completed,
		Terminated: res.Terminated,
		Errored:    res.Errored,
	}
	if res.Best != nil {
		sr.BestTrialID = &res.Best.TrialID
		sr.BestValue = &res.Best.Value
	}
	if res.AllErrored() {
		msg := "every trial errored"
		sr.Status = database.SearchFailed
		sr.Error = &msg
	}
	if err := o.Repo.CompleteSearch(ctx, searchID, sr); err != nil {
		o.Log.Error(err, "complete search", "search", searchID)
	}
}

// describe flattens the request into the JSON stored with the search.
func describe(req Request) map[string]any {
	space := make(map[string]any, len(req.Space))
	for name, d := range req.Space {
		space[name] = d.String()
	}
	return map[string]any{
		"architecture":        req.Architecture,
		"num_classes":         req.NumClasses,
		"resources_per_trial": req.ResourcesPerTrial,
		"budget":              req.Budget,
		"scheduler":           req.Scheduler,
		"search_space":        space,
		"transfer":            req.Transfer != nil,
		"pruning":             req.Prune != nil,
	}
}

// run is the state of one search. Everything here is owned by the loop
// goroutine; workers only send events.
type run struct {
	o     *Orchestrator
	req   Request
	id    string
	log   logr.Logger
	bg    context.Context
	sched scheduler.Scheduler

	sampler  *search.Sampler
	reporter *metrics.Reporter
	runner   *trial.Runner
	keeper   *checkpoint.TopK
	group    *errgroup.Group
	gctx     context.Context
	events   chan trial.Event
	cancels  chan string

	trials   map[string]*trial.Trial
	order    []string
	controls map[string]*trial.Control
	spans    map[string]trace.Span
	// resolved holds scheduler resolutions for trials told to pause whose
	// pause outcome has not arrived yet.
	resolved map[string]scheduler.Decision
	resumeQ  []string

	inUse    trial.Resources
	running  int
	created  int
	finished int
	stopping bool
}

func (o *Orchestrator) newRun(ctx context.Context, searchID string, req Request, sched scheduler.Scheduler) *run {
	log := o.Log.WithValues("search", short(searchID))

	sinks := append([]metrics.Sink{metrics.RepoSink{Repo: o.Repo}}, o.Sinks...)
	if o.Prom != nil {
		sinks = append(sinks, o.Prom)
	}

	var keeper *checkpoint.TopK
	if req.KeepTop > 0 {
		keeper = checkpoint.NewTopK(o.Store, req.KeepTop, req.Monitor, req.MonitorMode == scheduler.Max)
		keeper.Every = req.CheckpointEvery
	}

	group, gctx := errgroup.WithContext(ctx)
	return &run{
		o:        o,
		req:      req,
		id:       searchID,
		log:      log,
		bg:       context.WithoutCancel(ctx),
		sched:    sched,
		sampler:  search.NewSampler(req.Space, req.Seed),
		reporter: metrics.NewReporter(log.WithName("reporter"), searchID, req.MetricNames, req.Columns, sinks...),
		runner:   trial.NewRunner(log.WithName("runner"), o.Store, keeper),
		keeper:   keeper,
		group:    group,
		gctx:     gctx,
		events:   make(chan trial.Event),
		cancels:  make(chan string, 16),
		trials:   make(map[string]*trial.Trial),
		controls: make(map[string]*trial.Control),
		spans:    make(map[string]trace.Span),
		resolved: make(map[string]scheduler.Decision),
	}
}

func (r *run) done() bool {
	if r.stopping {
		return r.running == 0
	}
	return r.finished >= r.req.NumSamples
}

func (r *run) loop(ctx context.Context) {
	cancelled := ctx.Done()
	for {
		if !r.stopping && ctx.Err() != nil {
			cancelled = nil
			r.stop()
		}
		if !r.stopping {
			r.admit()
			r.checkStalled()
		}
		if r.done() {
			return
		}
		select {
		case ev := <-r.events:
			if ev.Outcome != nil {
				r.onOutcome(ev.TrialID, *ev.Outcome)
			} else {
				r.onReport(ev)
			}
		case id := <-r.cancels:
			r.onCancel(id)
		case <-cancelled:
			cancelled = nil
			r.stop()
		}
	}
}

// admit launches paused trials approved for resumption first, then new
// samples, while the budget allows.
func (r *run) admit() {
	for r.fits() {
		if len(r.resumeQ) > 0 {
			id := r.resumeQ[0]
			r.resumeQ = r.resumeQ[1:]
			t := r.trials[id]
			if t.Status != trial.Paused {
				continue
			}
			if r.controls[id].Stopped() {
				r.terminatePaused(id)
				continue
			}
			r.launch(t, t.Checkpoint)
			continue
		}
		if r.created >= r.req.NumSamples {
			return
		}
		t := trial.New(r.sampler.Next(), r.req.ResourcesPerTrial)
		r.created++
		r.trials[t.ID] = t
		r.order = append(r.order, t.ID)
		r.controls[t.ID] = &trial.Control{}
		r.o.register(t.ID, handle{control: r.controls[t.ID], notify: r.cancels})
		r.sched.OnTrialAdd(t.ID)
		r.reporter.Track(t.ID, t.Config)
		if err := r.o.Repo.CreateTrial(r.bg, record(r.id, t)); err != nil {
			r.log.Error(err, "persist trial", "trial", t.Short())
		}
		r.log.V(1).Info("trial created", "trial", t.Short(), "config", t.Config.String())
		r.launch(t, "")
		r.drain()
	}
}

func (r *run) fits() bool {
	return r.inUse.Add(r.req.ResourcesPerTrial).Fits(r.req.Budget)
}

func (r *run) launch(t *trial.Trial, resumeKey string) {
	t.Status = trial.Running
	t.Attempts++
	r.inUse = r.inUse.Add(t.Resources)
	r.running++
	r.reporter.SetStatus(t.ID, trial.Running)
	r.persist(t)
	if p := r.o.Prom; p != nil {
		p.TrialStarted(r.id)
		p.SetBudgetInUse(r.id, r.inUse)
	}

	ctx, span := r.o.Tracer.Start(r.gctx, "trial", trace.WithAttributes(
		attribute.String("trial.id", t.ID),
		attribute.Int("trial.attempt", t.Attempts),
		attribute.Int("trial.start_unit", t.Unit),
	))
	r.spans[t.ID] = span

	spec := trial.Spec{
		TrialID:       t.ID,
		Config:        t.Config,
		Factory:       r.req.Factory,
		NumClasses:    r.req.NumClasses,
		MaxUnits:      r.req.MaxUnits,
		Transfer:      r.req.Transfer,
		ResetMomentum: r.req.ResetMomentum,
		ResumeKey:     resumeKey,
		Prune:         r.req.Prune,
		Control:       r.controls[t.ID],
		Events:        r.events,
	}
	r.log.V(1).Info("trial launched", "trial", t.Short(), "attempt", t.Attempts, "unit", t.Unit)
	r.group.Go(func() error {
		out := r.runner.Run(ctx, spec)
		r.events <- trial.Event{TrialID: spec.TrialID, Outcome: &out}
		return nil
	})
}

func (r *run) onReport(ev trial.Event) {
	rep := ev.Report
	t, ok := r.trials[ev.TrialID]
	if !ok || rep == nil || t.Status != trial.Running {
		r.log.Error(ErrUnknownTrial, "dropping report", "trial", short(ev.TrialID))
		r.reply(ev, trial.Stop)
		return
	}
	if r.stopping {
		r.reply(ev, trial.Stop)
		return
	}
	if err := t.Observe(*rep); err != nil {
		r.log.Error(err, "dropping report", "trial", t.Short())
		r.reply(ev, trial.Continue)
		return
	}
	r.reporter.Record(r.bg, *rep)

	value, ok := rep.Metrics[r.req.Metric]
	if !ok {
		r.log.Info("report lacks search metric", "trial", t.Short(), "metric", r.req.Metric, "unit", rep.Unit)
		r.reply(ev, trial.Continue)
		return
	}

	var directive trial.Directive
	switch r.sched.OnResult(t.ID, rep.Unit, value) {
	case scheduler.Stop:
		directive = trial.Stop
		r.log.Info("early stop", "trial", t.Short(), "unit", rep.Unit, r.req.Metric, value)
	case scheduler.Pause:
		directive = trial.Pause
		r.log.V(1).Info("pausing at rung", "trial", t.Short(), "unit", rep.Unit)
	default:
		directive = trial.Continue
	}
	r.reply(ev, directive)
	r.drain()
}

func (r *run) reply(ev trial.Event, d trial.Directive) {
	if ev.Reply != nil {
		ev.Reply <- d
	}
}

func (r *run) onOutcome(id string, out trial.Outcome) {
	t, ok := r.trials[id]
	if !ok {
		r.log.Error(ErrUnknownTrial, "dropping outcome", "trial", short(id))
		return
	}
	r.inUse = r.inUse.Sub(t.Resources)
	r.running--
	if p := r.o.Prom; p != nil {
		p.TrialReleased(r.id)
		p.SetBudgetInUse(r.id, r.inUse)
	}
	if span, ok := r.spans[id]; ok {
		span.SetAttributes(attribute.String("trial.status", string(out.Status)), attribute.Int("trial.units", out.Unit))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
		delete(r.spans, id)
	}

	switch out.Status {
	case trial.Paused:
		t.Status = trial.Paused
		t.Checkpoint = out.Checkpoint
		r.reporter.SetStatus(id, trial.Paused)
		r.persist(t)
		if r.stopping || r.controls[id].Stopped() {
			r.terminatePaused(id)
			break
		}
		if d, ok := r.resolved[id]; ok {
			delete(r.resolved, id)
			r.resolve(id, d)
		}
	case trial.Errored:
		r.finish(t, trial.Errored, out.Err)
		r.sched.OnTrialRemove(id)
		r.log.Info("trial errored", "trial", t.Short(), "unit", out.Unit, "error", out.Err.Error())
	default:
		r.finish(t, out.Status, nil)
		r.sched.OnTrialComplete(id)
		r.log.V(1).Info("trial finished", "trial", t.Short(), "status", string(out.Status), "unit", t.Unit)
	}
	r.drain()
}

// drain applies scheduler resolutions for paused trials.
func (r *run) drain() {
	for _, res := range r.sched.Pending() {
		t, ok := r.trials[res.TrialID]
		if !ok {
			r.log.Error(ErrUnknownTrial, "dropping resolution", "trial", short(res.TrialID))
			continue
		}
		switch t.Status {
		case trial.Running:
			r.resolved[res.TrialID] = res.Decision
		case trial.Paused:
			r.resolve(res.TrialID, res.Decision)
		}
	}
}

func (r *run) resolve(id string, d scheduler.Decision) {
	if d == scheduler.Stop {
		r.log.Info("early stop", "trial", short(id), "unit", r.trials[id].Unit)
		r.terminatePaused(id)
		return
	}
	r.resumeQ = append(r.resumeQ, id)
}

// terminatePaused ends a trial that is not running.
func (r *run) terminatePaused(id string) {
	t := r.trials[id]
	r.finish(t, trial.Terminated, nil)
	r.sched.OnTrialRemove(id)
}

func (r *run) finish(t *trial.Trial, s trial.Status, err error) {
	t.Finish(s, err)
	r.finished++
	if t.Checkpoint != "" {
		if err := r.o.Store.Delete(r.bg, t.Checkpoint); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
			r.log.Error(err, "delete pause checkpoint", "trial", t.Short())
		}
		t.Checkpoint = ""
	}
	if key, ok := r.keeper.Best(t.ID); ok {
		t.Checkpoint = key
	}
	r.reporter.SetStatus(t.ID, s)
	r.persist(t)
	r.o.unregister(t.ID)
	delete(r.resolved, t.ID)
	if p := r.o.Prom; p != nil {
		p.TrialFinished(r.id, s)
	}
}

func (r *run) onCancel(id string) {
	t, ok := r.trials[id]
	if !ok || t.Status != trial.Paused {
		return
	}
	r.log.Info("paused trial cancelled", "trial", t.Short())
	r.terminatePaused(id)
	r.drain()
}

// stop ends the search early: paused trials are terminated and no new
// trials start. Running trials observe the cancelled context.
func (r *run) stop() {
	r.stopping = true
	r.log.Info("search cancelled, stopping trials", "running", r.running)
	for _, id := range r.order {
		if r.trials[id].Status == trial.Paused {
			r.terminatePaused(id)
		}
	}
	r.resumeQ = nil
	r.sched.Pending()
}

// checkStalled terminates paused trials when nothing is running and nothing
// can be admitted. A scheduler that never resolves its paused trials would
// otherwise hang the search.
func (r *run) checkStalled() {
	if r.running > 0 || len(r.resumeQ) > 0 || r.created < r.req.NumSamples || r.finished >= r.req.NumSamples {
		return
	}
	r.log.Info("no runnable trials left, terminating paused trials")
	for _, id := range r.order {
		if r.trials[id].Status == trial.Paused {
			r.terminatePaused(id)
		}
	}
	r.sched.Pending()
}

func (r *run) persist(t *trial.Trial) {
	if err := r.o.Repo.UpdateTrial(r.bg, record(r.id, t)); err != nil {
		r.log.Error(err, "persist trial", "trial", t.Short())
	}
}

func (r *run) result() *Result {
	res := &Result{SearchID: r.id}
	for _, id := range r.order {
		t := r.trials[id]
		cp := *t
		res.Trials = append(res.Trials, &cp)
		switch t.Status {
		case trial.Completed:
			res.Completed++
		case trial.Terminated:
			res.Terminated++
		case trial.Errored:
			res.Errored++
		}
	}
	res.Best = best(res.Trials, r.req.Metric, r.req.Mode)
	res.Summary = r.reporter.Summary(r.req.Metric, trial.Completed, trial.Terminated)
	res.Headers, res.Rows = r.reporter.Table()
	return res
}

// record converts a trial into its persisted form.
func record(searchID string, t *trial.Trial) *database.Trial {
	dt := &database.Trial{
		ID:         t.ID,
		SearchID:   searchID,
		Config:     map[string]any(t.Config.Clone()),
		Status:     string(t.Status),
		Unit:       t.Unit,
		Metrics:    make(map[string]float64, len(t.Latest)),
		CreatedAt:  t.CreatedAt,
		FinishedAt: t.FinishedAt,
	}
	for name, rep := range t.Latest {
		dt.Metrics[name] = rep.Value
	}
	if t.Checkpoint != "" {
		ck := t.Checkpoint
		dt.Checkpoint = &ck
	}
	if t.Error != "" {
		msg := t.Error
		dt.Error = &msg
	}
	if dt.CreatedAt.IsZero() {
		dt.CreatedAt = time.Now().UTC()
	}
	return dt
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
