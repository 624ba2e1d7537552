// Package gate puts the monthly quota in front of the upstream LLM call.
//
// Ask reserves a slot before calling upstream and gives it back when the
// call fails. Preflight only reads. The ledger's store is the only place
// invocations coordinate; the service itself holds no per-user state.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/tier"
	"github.com/AlexKimmel/quotagate/internal/usage"
)

var tracer = otel.Tracer("github.com/AlexKimmel/quotagate/internal/gate")

// Caller performs the upstream LLM request.
type Caller interface {
	Complete(ctx context.Context, messages json.RawMessage) (string, error)
}

// ResultType tags the outcome of an entry operation.
type ResultType string

const (
	TypeUsage        ResultType = "usage"
	TypeLimitReached ResultType = "limitReached"
	TypeAutofill     ResultType = "autofill"
)

// Usage is the quota state reported to the caller. Period is only set by Preflight.
type Usage struct {
	IsPro  bool
	Used   int
	Limit  int
	Period string
}

// Result is the successful outcome of Ask.
type Result struct {
	Type    ResultType
	Content string
	Usage   Usage
}

type Service struct {
	ledger          *usage.Ledger
	tiers           tier.Resolver
	limits          tier.Limits
	upstream        Caller
	metrics         *obs.Metrics
	log             zerolog.Logger
	rollbackTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithRollbackTimeout bounds the rollback that follows an upstream failure.
func WithRollbackTimeout(d time.Duration) Option {
	return func(s *Service) { s.rollbackTimeout = d }
}

func NewService(ledger *usage.Ledger, tiers tier.Resolver, limits tier.Limits, upstream Caller, opts ...Option) *Service {
	s := &Service{
		ledger:          ledger,
		tiers:           tiers,
		limits:          limits,
		upstream:        upstream,
		log:             zerolog.Nop(),
		rollbackTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type plan struct {
	isPro  bool
	limit  int
	period string
}

func (s *Service) resolve(ctx context.Context, userID string) (plan, error) {
	isPro, err := s.tiers.IsPro(ctx, userID)
	if err != nil {
		return plan{}, errInternal("could not resolve subscription tier", err)
	}
	return plan{
		isPro:  isPro,
		limit:  s.limits.For(isPro),
		period: s.ledger.CurrentPeriod(),
	}, nil
}

// Preflight reports the caller's usage without changing it.
func (s *Service) Preflight(ctx context.Context, userID string) (Usage, error) {
	if userID == "" {
		return Usage{}, errUnauthenticated()
	}
	ctx, span := tracer.Start(ctx, "gate.Preflight")
	defer span.End()

	p, err := s.resolve(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, "tier")
		return Usage{}, err
	}
	used, err := s.ledger.ReadCount(ctx, userID, p.period)
	if err != nil {
		span.SetStatus(codes.Error, "read")
		return Usage{}, errInternal("could not read usage", err)
	}
	span.SetAttributes(attribute.String("quota.tier", tier.Name(p.isPro)), attribute.Int("quota.used", used))

	return Usage{IsPro: p.isPro, Used: used, Limit: p.limit, Period: p.period}, nil
}

// Ask reserves a slot, calls upstream with messages and returns the reply.
// When the quota is used up it returns a limitReached result without calling
// upstream. When upstream fails the slot is rolled back and an Internal
// error carrying the upstream message is returned.
func (s *Service) Ask(ctx context.Context, userID string, messages json.RawMessage) (Result, error) {
	if userID == "" {
		return Result{}, errUnauthenticated()
	}
	if !isJSONArray(messages) {
		return Result{}, errInvalid("messages must be an array")
	}

	ctx, span := tracer.Start(ctx, "gate.Ask")
	defer span.End()

	p, err := s.resolve(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, "tier")
		return Result{}, err
	}
	tierName := tier.Name(p.isPro)
	span.SetAttributes(attribute.String("quota.tier", tierName), attribute.String("quota.period", p.period))
	log := s.log.With().Str("user_id", userID).Str("period", p.period).Str("tier", tierName).Logger()

	res, err := s.ledger.ReserveSlot(ctx, userID, p.period, p.limit)
	if errors.Is(err, usage.ErrLimitReached) {
		s.metrics.ObserveReservation(tierName, "limit_reached")
		used, rerr := s.ledger.ReadCount(ctx, userID, p.period)
		if rerr != nil {
			span.SetStatus(codes.Error, "read")
			return Result{}, errInternal("could not read usage", rerr)
		}
		log.Info().Int("used", used).Int("limit", p.limit).Msg("quota limit reached")
		return Result{
			Type:  TypeLimitReached,
			Usage: Usage{IsPro: p.isPro, Used: used, Limit: p.limit},
		}, nil
	}
	if err != nil {
		s.metrics.ObserveReservation(tierName, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve")
		log.Error().Err(err).Msg("quota reservation failed")
		return Result{}, errInternal("could not reserve usage slot", err)
	}
	s.metrics.ObserveReservation(tierName, "reserved")
	log = log.With().Str("reservation_id", res.ID).Int("count", res.Count).Logger()
	log.Debug().Msg("slot reserved")

	start := time.Now()
	content, err := s.upstream.Complete(ctx, messages)
	if err != nil {
		s.metrics.ObserveUpstream("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream")
		log.Warn().Err(err).Msg("upstream call failed, rolling back slot")

		// The request context may already be cancelled; the rollback must still run.
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rollbackTimeout)
		s.ledger.RollbackSlot(rbCtx, res.UserID, res.Period)
		cancel()

		return Result{}, errInternal(err.Error(), err)
	}
	s.metrics.ObserveUpstream("ok", time.Since(start))

	return Result{
		Type:    TypeAutofill,
		Content: content,
		Usage:   Usage{IsPro: p.isPro, Used: res.Count, Limit: p.limit},
	}, nil
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '[' && json.Valid(raw)
}
