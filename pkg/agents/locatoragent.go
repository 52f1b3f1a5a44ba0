package agents

import (
	"context"
	"log/slog"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/locator"
)

// Locator scores candidate selectors for an element descriptor and returns
// them to the requester, echoing the opaque context untouched.
type Locator struct {
	identity bus.AgentIdentity
	opts     locator.Options
	bus      agent.Bus
	events   agent.EventPublisher
	log      *slog.Logger
}

// NewLocator builds the Locator agent.
func NewLocator(opts locator.Options, b agent.Bus, ev agent.EventPublisher, log *slog.Logger) *Locator {
	if log == nil {
		log = slog.Default()
	}
	return &Locator{
		identity: bus.AgentIdentity{Type: TypeLocator},
		opts:     opts,
		bus:      b,
		events:   ev,
		log:      log.With("agent", TypeLocator),
	}
}

func (l *Locator) Type() string { return TypeLocator }

func (l *Locator) OnInitialize(ctx context.Context) error { return nil }
func (l *Locator) OnShutdown(ctx context.Context) error   { return nil }

func (l *Locator) OnMessage(ctx context.Context, msg *bus.Message) error {
	if msg.Kind != bus.KindLocatorSynthesisRequest {
		l.log.Warn("Ignoring unexpected message kind", "kind", msg.Kind)
		return nil
	}

	req, err := bus.DecodePayload[bus.LocatorSynthesisRequest](msg)
	if err != nil {
		return err
	}

	ranked := locator.Rank(locator.Element(req.Element), l.opts)

	candidates := make([]bus.LocatorCandidate, len(ranked))
	for i, c := range ranked {
		candidates[i] = bus.LocatorCandidate{Selector: c.Selector, Score: c.Score}
	}

	top := ""
	if len(candidates) > 0 {
		top = candidates[0].Selector
	}
	l.events.Publish(ctx, events.TypeLocatorComplete, TypeLocator, events.LocatorCompletedPayload{
		RequestID:  req.RequestID,
		Top:        top,
		Candidates: len(candidates),
	})

	reply := bus.NewMessage(l.identity, TypeOptimizer, bus.KindLocatorCandidates, bus.LocatorCandidates{
		Context:    req.Context,
		Candidates: candidates,
	})
	return l.bus.Send(ctx, reply)
}
