// Package oracle asks a language model for candidate fixes. The model sees a
// context pack and answers with ranked search/replace patch sets, an explicit
// refusal, or something unusable; the three outcomes are distinct values of
// Result so callers never confuse a refusal with a parse failure.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/selfheal/internal/contextpack"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/patch"
)

var (
	// ErrTimeout means the provider did not answer within the configured timeout.
	ErrTimeout = errors.New("oracle: timed out")
	// ErrEmptyResponse means the provider answered with no text.
	ErrEmptyResponse = errors.New("oracle: empty response")
	// ErrUnknownProvider is returned by NewProvider for unsupported names.
	ErrUnknownProvider = errors.New("oracle: unknown provider")
)

// Kind tags a Result.
type Kind string

const (
	KindProposed  Kind = "proposed"
	KindNoFix     Kind = "no_fix"
	KindMalformed Kind = "malformed"
)

// Result is the outcome of one oracle call.
type Result struct {
	Kind Kind
	// Sets is ranked by confidence, highest first. Set for KindProposed.
	Sets []patch.Set
	// Reason explains a KindNoFix result.
	Reason string
	// Err and Raw describe a KindMalformed result.
	Err error
	Raw string
}

// Proposed returns a KindProposed result.
func Proposed(sets []patch.Set) Result { return Result{Kind: KindProposed, Sets: sets} }

// NoFix returns a KindNoFix result.
func NoFix(reason string) Result { return Result{Kind: KindNoFix, Reason: reason} }

// Malformed returns a KindMalformed result.
func Malformed(err error, raw string) Result { return Result{Kind: KindMalformed, Err: err, Raw: raw} }

// Request is the input to one oracle call.
type Request struct {
	Pack *contextpack.Pack
	// PriorFailures lists why earlier proposals for the same issue were
	// rejected, oldest first.
	PriorFailures []string
}

// Oracle proposes fixes. The error return is reserved for transport
// failures; everything the model says is reported through Result.
type Oracle interface {
	Propose(ctx context.Context, req Request) (Result, error)
}

// Provider sends one system and user message pair to a model and returns
// the text of its reply.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options tunes an LLM oracle.
type Options struct {
	Timeout        time.Duration
	RequestsPerMin int
	// MaxSets caps the number of sets kept from one reply. Zero keeps all.
	MaxSets int
}

// LLM is an Oracle backed by a Provider.
type LLM struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *logging.Logger
}

// New creates an LLM oracle.
func New(provider Provider, opts Options, logger *logging.Logger) *LLM {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMin))
		burst = opts.RequestsPerMin
	}
	return &LLM{
		provider: provider,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  NewMetrics(logger.Underlying()),
		logger:   logger.Named("oracle"),
	}
}

// Propose implements Oracle.
func (o *LLM) Propose(ctx context.Context, req Request) (Result, error) {
	if req.Pack == nil {
		return Result{}, errors.New("oracle: request has no context pack")
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx := ctx
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := o.provider.Complete(callCtx, SystemPrompt, UserPrompt(req))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrTimeout, o.opts.Timeout, err)
		} else {
			err = fmt.Errorf("%s: %w", o.provider.Name(), err)
		}
		o.metrics.RecordCall(ctx, o.provider.Name(), o.provider.Model(), "error", time.Since(start))
		return Result{}, err
	}

	res := Parse(raw)
	if res.Kind == KindProposed && o.opts.MaxSets > 0 && len(res.Sets) > o.opts.MaxSets {
		res.Sets = res.Sets[:o.opts.MaxSets]
	}
	o.metrics.RecordCall(ctx, o.provider.Name(), o.provider.Model(), string(res.Kind), time.Since(start))

	switch res.Kind {
	case KindMalformed:
		o.logger.Warn(ctx, "oracle reply unusable",
			zap.Error(res.Err),
			zap.Int("raw_bytes", len(raw)))
	default:
		o.logger.Debug(ctx, "oracle replied",
			zap.String("kind", string(res.Kind)),
			zap.Int("sets", len(res.Sets)),
			zap.Duration("duration", time.Since(start)))
	}
	return res, nil
}
