package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	ctxlog "simulcastctl/pkg/logger"
	"simulcastctl/pkg/tracing"

	"go.uber.org/zap"
)

type CommandKind int

const (
	CommandEnd CommandKind = iota
	CommandToggle
	CommandSelect
)

func (k CommandKind) String() string {
	switch k {
	case CommandEnd:
		return "end"
	case CommandToggle:
		return "toggle"
	case CommandSelect:
		return "select"
	default:
		return "unknown"
	}
}

// Command is one parsed operator line.
type Command struct {
	Kind       CommandKind
	Identifier domain.StreamIdentifier
	Raw        string
}

const (
	NoticeDisableSimulcast = "Disabling simulcast"
	NoticeEnableSimulcast  = "Enabling simulcast"
	NoticeInvalidSSRC      = "Invalid SSRC"
)

// ParseCommand reads one console line: empty ends the session, 0 toggles simulcast and
// 1..MaxStreams selects the active identifier. Only the line ending is stripped before the
// emptiness check, so a line of blanks is rejected rather than ending the session.
func ParseCommand(line string) (Command, error) {
	if strings.TrimRight(line, "\r\n") == "" {
		return Command{Kind: CommandEnd}, nil
	}

	raw := strings.TrimSpace(line)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return Command{Raw: raw}, fmt.Errorf("%q: %w", raw, domain.ErrInvalidCommand)
	}
	if n == 0 {
		return Command{Kind: CommandToggle, Raw: raw}, nil
	}
	if n < 1 || n > domain.MaxStreams {
		return Command{Raw: raw}, fmt.Errorf("%d not in 1..%d: %w", n, domain.MaxStreams, domain.ErrInvalidIdentifier)
	}
	return Command{Kind: CommandSelect, Identifier: domain.StreamIdentifier(n), Raw: raw}, nil
}

// ReconfigurableSession is the part of the session controller driven by operator commands.
type ReconfigurableSession interface {
	Spec() domain.StreamSpec
	CallState() domain.CallState
	Router() *SsrcRouter
	Reconfigure(ctx context.Context, next domain.StreamSpec) (domain.CallState, error)
	SelectActive(ctx context.Context, id domain.StreamIdentifier) (domain.CallState, bool, error)
}

// ReconfiguratorOptions tunes command validation and bookkeeping.
type ReconfiguratorOptions struct {
	// StrictIdentifiers validates selections against the current layer count instead of MaxStreams.
	StrictIdentifiers bool
	HistorySize       int
}

// Reconfigurator applies operator commands to a streaming session one at a time.
type Reconfigurator struct {
	session ReconfigurableSession
	stats   *MetricsService
	metrics ports.SessionMetrics
	opts    ReconfiguratorOptions
	clog    *ctxlog.ContextLogger

	mu      sync.Mutex
	history []domain.ReconfigurationRecord
}

func NewReconfigurator(
	session ReconfigurableSession,
	stats *MetricsService,
	metrics ports.SessionMetrics,
	opts ReconfiguratorOptions,
	logger *zap.SugaredLogger,
) *Reconfigurator {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reconfigurator{
		session: session,
		stats:   stats,
		metrics: metrics,
		opts:    opts,
		clog:    ctxlog.NewContextLogger(logger.Desugar()),
	}
}

// Execute parses and applies one operator line. ErrSessionEnded is returned for the end command.
func (r *Reconfigurator) Execute(ctx context.Context, line string) (ports.CommandResult, error) {
	cmd, err := ParseCommand(line)
	if err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		res := r.result(cmd, NoticeInvalidSSRC)
		r.finish(r.logContext(ctx, cmd), cmd, res, err)
		return res, err
	}
	return r.Apply(ctx, cmd)
}

// Apply runs a parsed command to completion before the next one is accepted.
func (r *Reconfigurator) Apply(ctx context.Context, cmd Command) (ports.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := tracing.TraceCommand(ctx, cmd.Kind.String(), string(r.session.CallState().SessionID))
	defer span.End()
	ctx = r.logContext(ctx, cmd)

	var (
		res ports.CommandResult
		err error
	)
	switch cmd.Kind {
	case CommandEnd:
		res = r.result(cmd, "")
		err = domain.ErrSessionEnded
	case CommandToggle:
		res, err = r.toggle(ctx, cmd)
	case CommandSelect:
		res, err = r.selectActive(ctx, cmd)
	default:
		res = r.result(cmd, NoticeInvalidSSRC)
		err = fmt.Errorf("command kind %d: %w", cmd.Kind, domain.ErrInvalidCommand)
	}

	if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		tracing.RecordError(ctx, err)
	}
	r.finish(ctx, cmd, res, err)
	return res, err
}

func (r *Reconfigurator) logContext(ctx context.Context, cmd Command) context.Context {
	ctx = ctxlog.WithSession(ctx, string(r.session.CallState().SessionID))
	return ctxlog.WithCommand(ctx, cmd.Raw)
}

func (r *Reconfigurator) toggle(ctx context.Context, cmd Command) (ports.CommandResult, error) {
	current := r.session.Spec()
	notice := NoticeEnableSimulcast
	if current.SimulcastEnabled {
		notice = NoticeDisableSimulcast
	}
	r.clog.Sugar(ctx).Infow(notice, "from_layers", current.ActiveLayerCount())

	cs, err := r.session.Reconfigure(ctx, current.Toggled())
	res := r.fromState(cmd, notice, cs)
	if err != nil {
		res.Notice = fmt.Sprintf("%s failed: %v", notice, err)
		return res, err
	}
	return res, nil
}

func (r *Reconfigurator) selectActive(ctx context.Context, cmd Command) (ports.CommandResult, error) {
	limit := domain.MaxStreams
	if r.opts.StrictIdentifiers {
		if router := r.session.Router(); router != nil {
			_, limit = router.Snapshot()
		}
	}
	if !cmd.Identifier.Valid(limit) {
		res := r.result(cmd, NoticeInvalidSSRC)
		return res, fmt.Errorf("%d not in 1..%d: %w", cmd.Identifier, limit, domain.ErrInvalidIdentifier)
	}

	cs, ignored, err := r.session.SelectActive(ctx, cmd.Identifier)
	res := r.fromState(cmd, fmt.Sprintf("Relaying SSRC %d", cmd.Identifier), cs)
	res.Ignored = ignored
	if ignored {
		res.Notice = "Relaying all streams, selection ignored"
	}
	return res, err
}

func (r *Reconfigurator) result(cmd Command, notice string) ports.CommandResult {
	return r.fromState(cmd, notice, r.session.CallState())
}

func (r *Reconfigurator) fromState(cmd Command, notice string, cs domain.CallState) ports.CommandResult {
	spec := cs.Spec.Clone()
	return ports.CommandResult{
		Command: cmd.Kind.String(),
		Notice:  notice,
		Policy:  cs.Policy,
		Layers:  cs.ActiveLayers,
		Spec:    &spec,
	}
}

func (r *Reconfigurator) finish(ctx context.Context, cmd Command, res ports.CommandResult, err error) {
	r.metrics.RecordCommand(cmd.Kind.String(), err)

	rec := domain.ReconfigurationRecord{
		Command:   cmd.Raw,
		Policy:    res.Policy,
		Layers:    res.Layers,
		Timestamp: time.Now(),
	}
	if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		rec.Error = err.Error()
		r.clog.Sugar(ctx).Warnw("operator command rejected", "error", err)
	} else {
		r.clog.Sugar(ctx).Debugw("operator command applied", "policy", res.Policy, "layers", res.Layers)
	}

	if r.opts.HistorySize <= 0 {
		return
	}
	r.history = append(r.history, rec)
	if over := len(r.history) - r.opts.HistorySize; over > 0 {
		r.history = append([]domain.ReconfigurationRecord(nil), r.history[over:]...)
	}
}

// History returns the most recent processed commands, oldest first.
func (r *Reconfigurator) History() []domain.ReconfigurationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ReconfigurationRecord(nil), r.history...)
}

func (r *Reconfigurator) CallState() domain.CallState {
	return r.session.CallState()
}

func (r *Reconfigurator) RoutingStats() domain.RoutingStats {
	if r.stats == nil {
		return domain.RoutingStats{
			Delivered: map[domain.StreamIdentifier]uint64{},
			Dropped:   map[domain.StreamIdentifier]uint64{},
			Timestamp: time.Now(),
		}
	}
	return r.stats.Stats()
}
