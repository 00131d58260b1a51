package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/domain"
	"github.com/acme/outbound-orchestrator/internal/telephony"
)

// ErrRejected is returned when the simulated provider refuses a call.
var ErrRejected = errors.New("mock provider: call rejected")

// Provider simulates outbound call behaviour. Outcomes are delivered to the
// bound sink from timer goroutines, the way a real provider calls back.
type Provider struct {
	cfg    config.MockTelephonyConfig
	logger *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	sink telephony.OutcomeSink
}

// NewProvider constructs a mock provider with time-seeded randomness.
func NewProvider(cfg config.MockTelephonyConfig, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Bind sets the sink receiving simulated progress.
func (p *Provider) Bind(sink telephony.OutcomeSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// PlaceCall accepts the call and schedules its simulated progress.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.Handle, error) {
	if err := ctx.Err(); err != nil {
		return telephony.Handle{}, err
	}

	p.mu.Lock()
	sink := p.sink
	roll := p.rng.Float64()
	rejected := p.rng.Float64() < p.cfg.FailureRate
	ring := between(p.rng, p.cfg.RingMin, p.cfg.RingMax)
	talk := between(p.rng, p.cfg.TalkMin, p.cfg.TalkMax)
	p.mu.Unlock()

	if rejected {
		return telephony.Handle{}, fmt.Errorf("%w: %s", ErrRejected, req.PhoneNumber)
	}
	if sink == nil {
		return telephony.Handle{}, errors.New("mock provider: no outcome sink bound")
	}

	h := telephony.Handle{
		CallID:      req.CallID,
		Attempt:     req.Attempt,
		ProviderRef: fmt.Sprintf("mock-%s-%d", req.CallID, req.Attempt),
	}

	switch {
	case roll < p.cfg.AnswerRate:
		time.AfterFunc(ring, func() {
			p.report(sink.OnAnswered(context.Background(), h), h)
			time.AfterFunc(talk, func() {
				p.report(sink.OnOutcome(context.Background(), h, domain.OutcomeCompleted), h)
			})
		})
	case roll < p.cfg.AnswerRate+p.cfg.VoicemailRate:
		time.AfterFunc(ring, func() {
			p.report(sink.OnOutcome(context.Background(), h, domain.OutcomeVoicemail), h)
		})
	default:
		time.AfterFunc(ring, func() {
			p.report(sink.OnOutcome(context.Background(), h, domain.OutcomeNoAnswer), h)
		})
	}

	return h, nil
}

func (p *Provider) report(err error, h telephony.Handle) {
	if err != nil && p.logger != nil {
		p.logger.Warn("mock provider: callback rejected",
			zap.String("call_id", h.CallID.String()),
			zap.Int("attempt", h.Attempt),
			zap.Error(err),
		)
	}
}

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}
