package chain

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"OpenWallet-Core/internal/cron"
	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/kvstore"
	"OpenWallet-Core/internal/observability/metrics"
	"OpenWallet-Core/internal/pubsub"
	"OpenWallet-Core/pkg/logger"
)

const (
	currentAccountKey = "currentAccount"
	enabledChainsKey  = "chains:enabled"
)

// Status is the state of an ApiConnection.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
)

// connection is never mutated after it is stored; every state change
// stores a new value.
type connection struct {
	key      string
	endpoint string
	def      Definition
	status   Status
	client   Client
	lastErr  string
	block    uint64
	since    time.Time
}

// ConnectionView is the public state of one connection.
type ConnectionView struct {
	ChainKey    string    `json:"chainKey"`
	Endpoint    string    `json:"endpoint"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	Since       time.Time `json:"since"`
}

// Scope is the account and chain set that jobs and hooks run against.
type Scope struct {
	Generation  uint64
	Account     string
	Chains      []string
	Definitions map[string]Definition
	clients     func(key string) (Client, bool)
}

// NewScope builds a scope over a fixed set of clients.
func NewScope(account string, defs map[string]Definition, clients map[string]Client) Scope {
	chains := make([]string, 0, len(defs))
	for key := range defs {
		chains = append(chains, key)
	}
	sort.Strings(chains)
	return Scope{
		Account:     account,
		Chains:      chains,
		Definitions: defs,
		clients: func(key string) (Client, bool) {
			c, ok := clients[key]
			return c, ok
		},
	}
}

// Client returns the connected client for key, if any.
func (s Scope) Client(key string) (Client, bool) {
	if s.clients == nil {
		return nil, false
	}
	return s.clients(key)
}

// ConnectedChains returns the scope's chains that currently have a live client.
func (s Scope) ConnectedChains() []string {
	out := make([]string, 0, len(s.Chains))
	for _, key := range s.Chains {
		if _, ok := s.Client(key); ok {
			out = append(out, key)
		}
	}
	return out
}

// Job is a recurring task re-registered on every scope change.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, scope Scope) error
}

// Hook runs for each chain that becomes connected inside a scope, until ctx
// is cancelled by a disconnect or scope change.
type Hook func(ctx context.Context, scope Scope, key string, client Client)

// ScopedSubscriptions tears down the subscriptions of the previous scope.
type ScopedSubscriptions interface {
	UnsubscribeScoped() int
}

// ScopeBinder is implemented by ScopedSubscriptions that also need to know
// the new scope before its jobs and hooks start.
type ScopeBinder interface {
	BindScope(scope Scope)
}

// Config tunes liveness probing.
type Config struct {
	ProbeInterval time.Duration
	DialTimeout   time.Duration
	// RunJobsOnSwitch triggers every job once right after it is registered.
	RunJobsOnSwitch bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJobs sets the recurring jobs.
func WithJobs(jobs ...Job) Option {
	return func(o *Orchestrator) { o.jobs = append(o.jobs, jobs...) }
}

// WithHooks adds per-chain hooks.
func WithHooks(hooks ...Hook) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, hooks...) }
}

// WithDialer replaces DefaultDialer.
func WithDialer(d Dialer) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// Orchestrator owns every ApiConnection and every scoped CronJob.
type Orchestrator struct {
	cfg    Config
	dialer Dialer
	sched  *cron.Scheduler
	subs   ScopedSubscriptions
	store  kvstore.Store
	jobs   []Job
	hooks  []Hook
	log    *slog.Logger

	// switchMu serialises scope changes so teardown of one scope always
	// finishes before the next scope is built.
	switchMu sync.Mutex

	mu          sync.Mutex
	defs        Definitions
	enabled     map[string]bool
	account     string
	conns       map[string]*connection
	inflight    map[string]bool
	hookCancels map[string]context.CancelFunc
	generation  uint64
	scopeCtx    context.Context
	scopeCancel context.CancelFunc
	runCtx      context.Context
	stop        context.CancelFunc

	emitMu sync.Mutex
	wg     sync.WaitGroup

	// Statuses publishes the connection list on every change.
	Statuses *pubsub.Topic[[]ConnectionView]
}

// NewOrchestrator creates an orchestrator for defs.
func NewOrchestrator(cfg Config, defs Definitions, sched *cron.Scheduler, subs ScopedSubscriptions, store kvstore.Store, opts ...Option) (*Orchestrator, error) {
	if sched == nil || subs == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "orchestrator requires a scheduler, subscriptions and a store")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	o := &Orchestrator{
		cfg:         cfg,
		dialer:      DefaultDialer,
		sched:       sched,
		subs:        subs,
		store:       store,
		log:         logger.Named("orchestrator"),
		defs:        defs,
		enabled:     make(map[string]bool),
		conns:       make(map[string]*connection),
		inflight:    make(map[string]bool),
		hookCancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.Statuses = pubsub.NewTopic[[]ConnectionView]("chains.status", pubsub.WithLogger(o.log))
	o.Statuses.Publish([]ConnectionView{})
	return o, nil
}

// Start restores the persisted account and chain set, connects, registers
// jobs and begins probing.
func (o *Orchestrator) Start(ctx context.Context) error {
	var account string
	if _, err := kvstore.GetJSON(ctx, o.store, currentAccountKey, &account); err != nil {
		return err
	}
	var enabled []string
	found, err := kvstore.GetJSON(ctx, o.store, enabledChainsKey, &enabled)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.runCtx != nil {
		o.mu.Unlock()
		return xerrors.New(xerrors.CodeState, "orchestrator already started")
	}
	o.runCtx, o.stop = context.WithCancel(context.WithoutCancel(ctx))
	o.account = account
	if !found {
		enabled = o.defs.Keys()
	}
	o.enabled = toSet(enabled)
	runCtx := o.runCtx
	o.mu.Unlock()

	o.sched.Start(runCtx)
	o.rederive("start")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.probeLoop(runCtx)
	}()
	return nil
}

// Stop cancels every scope, stops probing and closes all clients.
func (o *Orchestrator) Stop() {
	o.switchMu.Lock()
	defer o.switchMu.Unlock()

	o.mu.Lock()
	if o.stop == nil {
		o.mu.Unlock()
		return
	}
	o.stop()
	if o.scopeCancel != nil {
		o.scopeCancel()
	}
	o.mu.Unlock()
	o.wg.Wait()

	o.mu.Lock()
	var clients []Client
	for key, c := range o.conns {
		if c.client != nil {
			clients = append(clients, c.client)
		}
		delete(o.conns, key)
	}
	o.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	o.sched.Stop()
	o.publish()
}

// Account returns the active account.
func (o *Orchestrator) Account() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account
}

// EnabledChains returns the enabled chain keys sorted.
func (o *Orchestrator) EnabledChains() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedKeys(o.enabled)
}

// SetActiveAccount switches the account and rebuilds the scope.
func (o *Orchestrator) SetActiveAccount(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	o.mu.Lock()
	same := o.account == address
	o.account = address
	started := o.runCtx != nil
	o.mu.Unlock()
	if same {
		return nil
	}
	if err := kvstore.SetJSON(ctx, o.store, currentAccountKey, address); err != nil {
		return err
	}
	logger.Audit().Info("active account switched", slog.String("account", address))
	if started {
		o.rederive("account")
	}
	return nil
}

// SetEnabledChains replaces the enabled chain set. Unknown keys are rejected.
func (o *Orchestrator) SetEnabledChains(ctx context.Context, keys []string) error {
	o.mu.Lock()
	for _, key := range keys {
		if _, ok := o.defs.Chains[key]; !ok {
			o.mu.Unlock()
			return xerrors.Newf(xerrors.CodeNotFound, "unknown chain %s", key)
		}
	}
	o.enabled = toSet(keys)
	snapshot := sortedKeys(o.enabled)
	started := o.runCtx != nil
	o.mu.Unlock()

	if err := kvstore.SetJSON(ctx, o.store, enabledChainsKey, snapshot); err != nil {
		return err
	}
	if started {
		o.rederive("chains")
	}
	return nil
}

// EnableChains adds keys to the enabled set.
func (o *Orchestrator) EnableChains(ctx context.Context, keys []string) ([]string, error) {
	next := append(o.EnabledChains(), keys...)
	if err := o.SetEnabledChains(ctx, next); err != nil {
		return nil, err
	}
	return o.EnabledChains(), nil
}

// DisableChains removes keys from the enabled set.
func (o *Orchestrator) DisableChains(ctx context.Context, keys []string) ([]string, error) {
	drop := toSet(keys)
	var next []string
	for _, key := range o.EnabledChains() {
		if !drop[key] {
			next = append(next, key)
		}
	}
	if err := o.SetEnabledChains(ctx, next); err != nil {
		return nil, err
	}
	return o.EnabledChains(), nil
}

// SetDefinitions swaps the chain definitions, for example after the YAML
// file changed, and rebuilds the scope.
func (o *Orchestrator) SetDefinitions(_ context.Context, defs Definitions) {
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	o.mu.Lock()
	o.defs = defs
	started := o.runCtx != nil
	o.mu.Unlock()
	if started {
		o.rederive("definitions")
	}
}

// Definitions returns the current chain definitions.
func (o *Orchestrator) Definitions() Definitions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.defs
}

// Connections lists every connection sorted by chain key.
func (o *Orchestrator) Connections() []ConnectionView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewsLocked()
}

// Client returns the connected client for key.
func (o *Orchestrator) Client(key string) (Client, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.conns[key]
	if !ok || c.status != StatusConnected {
		return nil, false
	}
	return c.client, true
}

// rederive tears down the previous scope and builds the next one.
func (o *Orchestrator) rederive(reason string) {
	o.switchMu.Lock()
	defer o.switchMu.Unlock()

	// (1) stop everything running for the previous scope, then tear it down.
	// Jobs and hooks still in flight see a cancelled ctx before the scoped
	// state is reset, so their late writes are dropped.
	o.mu.Lock()
	o.cancelScopeLocked()
	o.mu.Unlock()
	o.teardown()

	// (2)(3) new chain set and connections
	o.mu.Lock()
	if o.runCtx == nil || o.runCtx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.cancelScopeLocked()
	o.generation++
	o.scopeCtx, o.scopeCancel = context.WithCancel(o.runCtx)
	scopeCtx := o.scopeCtx

	active := make(map[string]Definition)
	for key := range o.enabled {
		if def, ok := o.defs.Chains[key]; ok {
			active[key] = def
		}
	}
	var closing []Client
	for key, c := range o.conns {
		def, keep := active[key]
		if keep && c.endpoint == def.Endpoint() {
			continue
		}
		delete(o.conns, key)
		if c.client != nil {
			closing = append(closing, c.client)
		}
	}
	type start struct {
		key    string
		client Client
		ctx    context.Context
	}
	var (
		dials  []*connection
		starts []start
	)
	now := time.Now()
	for _, key := range sortedKeys(active) {
		c, ok := o.conns[key]
		if !ok {
			c = &connection{key: key, endpoint: active[key].Endpoint(), def: active[key], status: StatusConnecting, since: now}
			o.conns[key] = c
		}
		switch {
		case c.status == StatusConnected:
			hookCtx, cancel := context.WithCancel(scopeCtx)
			o.hookCancels[key] = cancel
			starts = append(starts, start{key: key, client: c.client, ctx: hookCtx})
		case !o.inflight[key]:
			o.inflight[key] = true
			dials = append(dials, c)
		}
	}
	scope := o.scopeLocked()
	o.mu.Unlock()

	for _, c := range closing {
		c.Close()
	}
	if binder, ok := o.subs.(ScopeBinder); ok {
		binder.BindScope(scope)
	}
	o.publish()

	// (4) jobs and hooks for the new scope
	for _, job := range o.jobs {
		if err := o.sched.Register(job.Name, job.Interval, o.bind(scopeCtx, scope, job)); err != nil {
			o.log.Error("register job failed", slog.String("job", job.Name), slog.Any("error", err))
		}
	}
	for _, s := range starts {
		o.runHooks(s.ctx, scope, s.key, s.client)
	}
	for _, c := range dials {
		o.wg.Add(1)
		go func(c *connection) {
			defer o.wg.Done()
			o.connect(c)
		}(c)
	}
	if o.cfg.RunJobsOnSwitch {
		for _, job := range o.jobs {
			name := job.Name
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if err := o.sched.Trigger(name); err != nil {
					o.log.Debug("initial job run skipped", slog.String("job", name), slog.Any("error", err))
				}
			}()
		}
	}
	o.log.Info("scope rebuilt",
		slog.String("reason", reason),
		slog.Uint64("generation", scope.Generation),
		slog.String("account", scope.Account),
		slog.Int("chains", len(scope.Chains)))
}

// teardown removes scoped subscriptions and cron jobs. Failures are logged
// and never propagated.
func (o *Orchestrator) teardown() {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("scope teardown panicked", slog.Any("panic", r))
		}
	}()
	subs := o.subs.UnsubscribeScoped()
	jobs := o.sched.CancelAll()
	o.log.Debug("scope torn down", slog.Int("subscriptions", subs), slog.Int("jobs", jobs))
}

func (o *Orchestrator) cancelScopeLocked() {
	if o.scopeCancel != nil {
		o.scopeCancel()
	}
	for key, cancel := range o.hookCancels {
		cancel()
		delete(o.hookCancels, key)
	}
}

// bind runs job under a ctx derived from the scope ctx, so cancelling the
// scope cancels a running job synchronously.
func (o *Orchestrator) bind(scopeCtx context.Context, scope Scope, job Job) cron.JobFunc {
	return func(ctx context.Context) error {
		jobCtx, cancel := context.WithCancel(scopeCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		if jobCtx.Err() != nil {
			return nil
		}
		return job.Run(jobCtx, scope)
	}
}

func (o *Orchestrator) scopeLocked() Scope {
	chains := make([]string, 0, len(o.enabled))
	defs := make(map[string]Definition)
	for _, key := range sortedKeys(o.enabled) {
		if def, ok := o.defs.Chains[key]; ok {
			chains = append(chains, key)
			defs[key] = def
		}
	}
	return Scope{
		Generation:  o.generation,
		Account:     o.account,
		Chains:      chains,
		Definitions: defs,
		clients:     o.Client,
	}
}

// connect dials one chain with a bounded timeout. The result is applied
// only if the connection was not replaced meanwhile.
func (o *Orchestrator) connect(expected *connection) {
	o.mu.Lock()
	runCtx := o.runCtx
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(runCtx, o.cfg.DialTimeout)
	client, err := o.dialer(ctx, expected.key, expected.def)
	var snap Snapshot
	if err == nil {
		snap, err = client.Probe(ctx)
		if err != nil {
			client.Close()
			client = nil
		}
	}
	cancel()

	o.mu.Lock()
	delete(o.inflight, expected.key)
	if o.conns[expected.key] != expected || runCtx.Err() != nil {
		o.mu.Unlock()
		if client != nil {
			client.Close()
		}
		return
	}
	if err != nil {
		o.conns[expected.key] = &connection{
			key: expected.key, endpoint: expected.endpoint, def: expected.def,
			status: StatusConnecting, lastErr: err.Error(), since: expected.since,
		}
		o.mu.Unlock()
		o.log.Warn("chain connect failed, retrying on next probe",
			slog.String("chain", expected.key), slog.Any("error", err))
		o.publish()
		return
	}
	o.conns[expected.key] = &connection{
		key: expected.key, endpoint: expected.endpoint, def: expected.def,
		status: StatusConnected, client: client, block: snap.BlockNumber, since: time.Now(),
	}
	hookCtx, hookCancel := context.WithCancel(o.scopeCtx)
	o.hookCancels[expected.key] = hookCancel
	scope := o.scopeLocked()
	o.mu.Unlock()

	o.log.Info("chain connected", slog.String("chain", expected.key), slog.Uint64("block", snap.BlockNumber))
	o.publish()
	o.runHooks(hookCtx, scope, expected.key, client)
}

func (o *Orchestrator) runHooks(ctx context.Context, scope Scope, key string, client Client) {
	for _, hook := range o.hooks {
		o.wg.Add(1)
		go func(hook Hook) {
			defer o.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("chain hook panicked", slog.String("chain", key), slog.Any("panic", r))
				}
			}()
			hook(ctx, scope, key, client)
		}(hook)
	}
}

func (o *Orchestrator) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs one liveness pass. Live connections are probed; a failed
// probe marks the connection as connecting, and connecting chains get one
// bounded reconnect attempt. Each chain is handled in isolation.
func (o *Orchestrator) ProbeOnce(ctx context.Context) {
	o.mu.Lock()
	snapshot := make(map[string]*connection, len(o.conns))
	for key, c := range o.conns {
		snapshot[key] = c
	}
	o.mu.Unlock()

	_ = ForEach(ctx, o.log, sortedKeys(snapshot), func(ctx context.Context, key string) error {
		c := snapshot[key]
		if c.status != StatusConnected {
			o.mu.Lock()
			if o.inflight[key] || o.conns[key] != c {
				o.mu.Unlock()
				return nil
			}
			o.inflight[key] = true
			o.mu.Unlock()
			o.connect(c)
			return nil
		}
		pctx, cancel := context.WithTimeout(ctx, o.cfg.DialTimeout)
		defer cancel()
		snap, err := c.client.Probe(pctx)
		if err != nil {
			o.markDisconnected(c, err)
			return err
		}
		if snap.BlockNumber != c.block {
			o.mu.Lock()
			if o.conns[key] == c {
				next := *c
				next.block = snap.BlockNumber
				o.conns[key] = &next
			}
			o.mu.Unlock()
			o.publish()
		}
		return nil
	})
}

func (o *Orchestrator) markDisconnected(expected *connection, cause error) {
	o.mu.Lock()
	if o.conns[expected.key] != expected {
		o.mu.Unlock()
		return
	}
	o.conns[expected.key] = &connection{
		key: expected.key, endpoint: expected.endpoint, def: expected.def,
		status: StatusConnecting, lastErr: cause.Error(), since: time.Now(),
	}
	if cancel, ok := o.hookCancels[expected.key]; ok {
		cancel()
		delete(o.hookCancels, expected.key)
	}
	o.mu.Unlock()

	expected.client.Close()
	o.log.Warn("chain probe failed, reconnecting on next tick",
		slog.String("chain", expected.key), slog.Any("error", cause))
	o.publish()
}

func (o *Orchestrator) viewsLocked() []ConnectionView {
	out := make([]ConnectionView, 0, len(o.conns))
	for _, c := range o.conns {
		out = append(out, ConnectionView{
			ChainKey:    c.key,
			Endpoint:    c.endpoint,
			Status:      c.status,
			Error:       c.lastErr,
			BlockNumber: c.block,
			Since:       c.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainKey < out[j].ChainKey })
	return out
}

func (o *Orchestrator) publish() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	views := o.viewsLocked()
	o.mu.Unlock()

	var connected int
	for _, v := range views {
		if v.Status == StatusConnected {
			connected++
		}
	}
	metrics.SetGauge("connections_connected", float64(connected))
	metrics.SetGauge("connections_connecting", float64(len(views)-connected))
	o.Statuses.Publish(views)
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = true
		}
	}
	return set
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
