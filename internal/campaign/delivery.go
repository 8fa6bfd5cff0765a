package campaign

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dripbot/internal/sequence"
	"dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// OutcomeSent means the DM went out and the user advances.
	OutcomeSent Outcome = iota
	// OutcomeSkipped means the step was not deliverable (content or
	// link problem under the "skip" policy) and the user advances
	// without receiving it.
	OutcomeSkipped
	// OutcomeCancel means the campaign must be cancelled for the user;
	// Result.Reason carries the cancellation reason.
	OutcomeCancel
	// OutcomeRetry means a transient send failure; the queue entry is
	// left due and retried on a later tick.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCancel:
		return "cancel"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Result is the classified outcome of Pipeline.Deliver.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

// Content-error policies.
const (
	PolicySkip   = "skip"
	PolicyCancel = "cancel"
)

// Pipeline turns a due step into an outgoing DM: global send spacing,
// content build, join-link resolution, send, and outcome
// classification. It never touches the store; callers apply the
// resulting state change.
type Pipeline struct {
	gw      transport.Gateway
	content *sequence.Registry

	limiter *rate.Limiter

	links   map[string]string
	onError string

	log logx.Logger
}

// DefaultAffordanceLabel is placed on the call-to-action button when a
// step's provider does not supply its own.
const DefaultAffordanceLabel = "JOIN NOW"

func NewPipeline(gw transport.Gateway, content *sequence.Registry, links map[string]string, spacing time.Duration, onContentError string, log logx.Logger) *Pipeline {
	if spacing <= 0 {
		spacing = 30 * time.Second
	}
	switch onContentError {
	case PolicySkip, PolicyCancel:
	default:
		onContentError = PolicySkip
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		gw:      gw,
		content: content,
		limiter: rate.NewLimiter(rate.Every(spacing), 1),
		links:   links,
		onError: onContentError,
		log:     log.With(logx.String("component", "delivery")),
	}
}

// Deliver waits for the global spacing slot, then sends the step.
func (p *Pipeline) Deliver(ctx context.Context, userID int64, step sequence.Step) Result {
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	return p.DeliverImmediate(ctx, userID, step)
}

// DeliverImmediate sends without consuming a spacing slot. Used by the
// admin test run, which applies its own (faster) pacing.
func (p *Pipeline) DeliverImmediate(ctx context.Context, userID int64, step sequence.Step) Result {
	joinURL := p.link(step)
	if joinURL == "" {
		return p.contentFailure(userID, step, ReasonMissingLink, errors.New("no join link configured"))
	}

	prov, err := p.content.Resolve(step)
	if err != nil {
		return p.contentFailure(userID, step, ReasonBuildError, err)
	}
	blocks, aff, err := prov.Build(joinURL)
	if err != nil || len(blocks) == 0 {
		if err == nil {
			err = errors.New("provider returned no content")
		}
		return p.contentFailure(userID, step, ReasonBuildError, err)
	}
	if aff == nil {
		aff = &transport.Affordance{Label: DefaultAffordanceLabel, URL: joinURL}
	} else if aff.URL == "" {
		aff.URL = joinURL
	}

	if err := p.gw.SendDirect(ctx, userID, blocks, aff); err != nil {
		if errors.Is(err, transport.ErrDMForbidden) {
			return Result{Outcome: OutcomeCancel, Reason: ReasonDMForbidden, Err: err}
		}
		p.log.Warn("send failed",
			logx.Int64("user_id", userID),
			logx.String("step", string(step)),
			logx.Err(err))
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	return Result{Outcome: OutcomeSent}
}

// contentFailure applies the configured policy to a step that cannot be
// assembled: missing link, unregistered provider, or build failure.
func (p *Pipeline) contentFailure(userID int64, step sequence.Step, reason string, err error) Result {
	p.log.Error("step content failed",
		logx.Int64("user_id", userID),
		logx.String("step", string(step)),
		logx.String("problem", reason),
		logx.Err(err))
	if p.onError == PolicyCancel {
		return Result{Outcome: OutcomeCancel, Reason: reason, Err: err}
	}
	return Result{Outcome: OutcomeSkipped, Err: err}
}

// link resolves the join URL for a step: an exact per-step override,
// then the "default" key.
func (p *Pipeline) link(step sequence.Step) string {
	if u, ok := p.links[string(step)]; ok && strings.TrimSpace(u) != "" {
		return u
	}
	return strings.TrimSpace(p.links["default"])
}
