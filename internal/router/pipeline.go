package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
	"github.com/ScriptSun/ulta-console-sub004/internal/telemetry"
)

// Store is the persistence surface the pipeline depends on. *storage.DB
// satisfies it; tests substitute a fake.
type Store interface {
	PolicyLister
	BatchResolver
	AgentReader
	EventInserter
	GetConversation(ctx context.Context, tenantID, id uuid.UUID) (model.Conversation, error)
	CreateConversation(ctx context.Context, tenantID, agentID uuid.UUID, userID string) (model.Conversation, error)
	UpdateConversationState(ctx context.Context, tenantID, id uuid.UUID, state model.ConversationState) error
	StartRun(ctx context.Context, p storage.StartRunParams) (model.Run, error)
}

// Config tunes the pipeline's failure behavior.
type Config struct {
	// PolicyFailMode governs the policy gate when its lookup fails.
	PolicyFailMode FailMode
	// ConcurrencyFailMode governs the concurrency guard when its in-flight
	// count fails mid-dispatch.
	ConcurrencyFailMode FailMode
	// Timeout bounds one full pipeline pass. An expired deadline aborts
	// remaining stages and answers with a retry-later message.
	Timeout time.Duration
}

// Router executes the command pipeline for one utterance at a time. It is
// stateless between requests: all cross-request coordination happens in
// Postgres, so instances can be scaled horizontally.
type Router struct {
	store      Store
	classifier *Classifier
	gate       *PolicyGate
	resolver   *Resolver
	negotiator *Negotiator
	preflight  *Preflight
	recorder   *Recorder
	cfg        Config
	logger     *slog.Logger

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// New wires a pipeline over the given store and intent catalog.
func New(store Store, reg *Registry, cfg Config, logger *slog.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	meter := telemetry.Meter("ulta/router")
	outcomes, _ := meter.Int64Counter("ulta.router.requests",
		metric.WithDescription("Router requests by terminal state"))
	return &Router{
		store:      store,
		classifier: NewClassifier(reg),
		gate:       NewPolicyGate(store, cfg.PolicyFailMode, logger),
		resolver:   NewResolver(reg, store),
		negotiator: NewNegotiator(reg),
		preflight:  NewPreflight(store),
		recorder:   NewRecorder(store, logger),
		cfg:        cfg,
		logger:     logger,
		tracer:     telemetry.Tracer("ulta/router"),
		outcomes:   outcomes,
	}
}

// Handle runs one utterance through the pipeline and always produces
// exactly one response state. The returned error is reserved for request
// errors the HTTP layer maps to 4xx (unknown agent or conversation,
// conversation closed); every internal failure is absorbed into a
// state=done response after a router_error event.
func (r *Router) Handle(ctx context.Context, tenantID uuid.UUID, req model.ChatRequest) (model.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "router.handle")
	defer span.End()

	agent, err := r.store.GetAgent(ctx, tenantID, req.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ChatResponse{}, fmt.Errorf("agent %s: %w", req.AgentID, err)
		}
		return model.ChatResponse{}, err
	}

	conv, err := r.loadConversation(ctx, tenantID, req)
	if err != nil {
		return model.ChatResponse{}, err
	}

	resp := r.run(ctx, conv, agent, req)
	resp.ConversationID = conv.ID

	span.SetAttributes(attribute.String("chat.state", string(resp.State)))
	r.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(resp.State))))
	return resp, nil
}

func (r *Router) loadConversation(ctx context.Context, tenantID uuid.UUID, req model.ChatRequest) (model.Conversation, error) {
	if req.ConversationID == nil {
		return r.store.CreateConversation(ctx, tenantID, req.AgentID, req.UserID)
	}
	conv, err := r.store.GetConversation(ctx, tenantID, *req.ConversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.Status != model.ConversationOpen {
		return model.Conversation{}, storage.ErrConversationClosed
	}
	return conv, nil
}

// run is the stage sequence. Every return path has recorded at least one
// event and carries a user-facing message.
func (r *Router) run(ctx context.Context, conv model.Conversation, agent model.Agent, req model.ChatRequest) model.ChatResponse {
	if conv.State.Phase == model.PhaseAwaitingConfirmation {
		if req.ConfirmToken != "" {
			return r.resumeConfirmation(ctx, conv, agent, req)
		}
		// A fresh utterance supersedes the pending confirmation.
		r.recorder.Record(ctx, conv, model.EventConfirmResolved, map[string]any{
			"accepted": false, "reason": "superseded", "intent": conv.State.Intent,
		})
		conv.State = conv.State.IdleState()
		r.saveState(ctx, &conv)
	}

	cls, ok := r.classifier.Classify(req.Text)
	if !ok && conv.State.Phase == model.PhaseAwaitingInputs && conv.State.Intent != "" {
		// Mid-negotiation turns usually carry bare parameter values, not a
		// recognizable command. Resume the intent we are collecting for.
		cls = Classification{Intent: conv.State.Intent, Tier: TierContinuation}
		ok = true
	}
	if !ok {
		r.recorder.Record(ctx, conv, model.EventSmalltalk, map[string]any{"text_len": len(req.Text)})
		return model.ChatResponse{
			State:   model.StateSmalltalk,
			Message: "I didn't recognize a server command in that. Try something like \"check cpu\" or \"install wordpress for example.com\".",
		}
	}
	r.recorder.Record(ctx, conv, model.EventIntentClassified, map[string]any{
		"intent": cls.Intent, "tier": cls.Tier,
	})

	gate, err := r.gate.Evaluate(ctx, conv.TenantID, cls.Intent, req.Text)
	if err != nil {
		return r.internalError(ctx, conv, "policy check", err)
	}
	if gate.Outcome == GateForbid {
		r.recorder.Record(ctx, conv, model.EventPolicyBlocked, map[string]any{
			"policy_id": gate.Policy.ID, "policy_name": gate.Policy.Name, "intent": cls.Intent,
		})
		return model.ChatResponse{
			State:   model.StateDone,
			Message: fmt.Sprintf("This request is blocked by the %q policy.", gate.Policy.Name),
		}
	}

	batch, err := r.resolver.Resolve(ctx, conv.TenantID, cls.Intent, agent.OS)
	if err != nil {
		if errors.Is(err, ErrNoBatch) {
			r.recorder.Record(ctx, conv, model.EventBatchNotFound, map[string]any{
				"intent": cls.Intent, "agent_os": agent.OS,
			})
			return model.ChatResponse{
				State:   model.StateDone,
				Message: "I don't know how to do that on this system.",
			}
		}
		return r.internalError(ctx, conv, "batch resolution", err)
	}

	neg := r.negotiator.Negotiate(batch, conv.State, cls.Intent, req.Text)
	if !neg.Complete {
		conv.State = conv.State.AwaitingInputs(cls.Intent, neg.Inputs)
		r.saveState(ctx, &conv)
		r.recorder.Record(ctx, conv, model.EventInputsRequested, map[string]any{
			"intent": cls.Intent, "missing": mapKeys(neg.Errors),
		})
		return model.ChatResponse{
			State:    model.StateNeedsInputs,
			Message:  "I need a bit more information before I can run that.",
			Schema:   &batch.InputSchema,
			Defaults: batch.InputDefaults,
			Errors:   neg.Errors,
		}
	}
	r.recorder.Record(ctx, conv, model.EventInputsValidated, map[string]any{
		"intent": cls.Intent, "fields": mapKeysAny(neg.Inputs),
	})

	if gate.Outcome == GateConfirm {
		return r.suspendForConfirmation(ctx, conv, cls.Intent, gate.Policy, neg.Inputs)
	}

	return r.dispatch(ctx, conv, batch, cls.Intent, neg.Inputs)
}

// suspendForConfirmation parks the fully negotiated request behind a
// resumption token. The token is persisted before it is revealed, so a
// crash between the two can only lose the request, never approve it.
func (r *Router) suspendForConfirmation(ctx context.Context, conv model.Conversation, intent string, policy model.CommandPolicy, inputs map[string]any) model.ChatResponse {
	token := uuid.NewString()
	conv.State = conv.State.AwaitingConfirmation(intent, token, policy.Name, inputs)
	if err := r.store.UpdateConversationState(ctx, conv.TenantID, conv.ID, conv.State); err != nil {
		return r.internalError(ctx, conv, "persist confirmation", err)
	}
	r.recorder.Record(ctx, conv, model.EventConfirmRequested, map[string]any{
		"intent": intent, "policy_name": policy.Name,
	})
	return model.ChatResponse{
		State: model.StateAwaitingConfirmation,
		Message: fmt.Sprintf("The %q policy requires confirmation before this runs. Reply with the confirmation token to proceed.",
			policy.Name),
		ConfirmToken: token,
	}
}

// resumeConfirmation verifies the token and, on match, carries the parked
// request through preflight and dispatch.
func (r *Router) resumeConfirmation(ctx context.Context, conv model.Conversation, agent model.Agent, req model.ChatRequest) model.ChatResponse {
	state := conv.State
	if req.ConfirmToken != state.ConfirmToken {
		r.recorder.Record(ctx, conv, model.EventConfirmResolved, map[string]any{
			"accepted": false, "reason": "token_mismatch", "intent": state.Intent,
		})
		return model.ChatResponse{
			State:   model.StateDone,
			Message: "That confirmation token doesn't match the pending request.",
		}
	}
	r.recorder.Record(ctx, conv, model.EventConfirmResolved, map[string]any{
		"accepted": true, "intent": state.Intent, "policy_name": state.PolicyName,
	})

	conv.State = state.IdleState()
	r.saveState(ctx, &conv)

	// Re-resolve: the batch may have been retargeted or deactivated while
	// the request was parked.
	batch, err := r.resolver.Resolve(ctx, conv.TenantID, state.Intent, agent.OS)
	if err != nil {
		if errors.Is(err, ErrNoBatch) {
			r.recorder.Record(ctx, conv, model.EventBatchNotFound, map[string]any{
				"intent": state.Intent, "agent_os": agent.OS,
			})
			return model.ChatResponse{
				State:   model.StateDone,
				Message: "That operation is no longer available on this system.",
			}
		}
		return r.internalError(ctx, conv, "batch resolution", err)
	}
	return r.dispatch(ctx, conv, batch, state.Intent, state.Inputs)
}

// dispatch runs preflight and queues the run. The concurrency guard lives
// inside StartRun's transaction, so two simultaneous dispatches of the same
// batch cannot both pass.
func (r *Router) dispatch(ctx context.Context, conv model.Conversation, batch model.Batch, intent string, inputs map[string]any) model.ChatResponse {
	details, err := r.preflight.Evaluate(ctx, conv.TenantID, conv.AgentID, batch)
	if err != nil {
		return r.internalError(ctx, conv, "preflight", err)
	}
	if len(details) > 0 {
		r.recorder.Record(ctx, conv, model.EventPreflightBlocked, map[string]any{
			"batch_name": batch.Name, "details": details,
		})
		return model.ChatResponse{
			State:   model.StatePreflightBlock,
			Message: fmt.Sprintf("Can't run %q right now:", batch.Name),
			Details: details,
		}
	}

	var run model.Run
	err = storage.WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		var startErr error
		run, startErr = r.store.StartRun(ctx, storage.StartRunParams{
			TenantID:       conv.TenantID,
			BatchID:        batch.ID,
			AgentID:        conv.AgentID,
			ConversationID: conv.ID,
			Inputs:         inputs,
			FailOpenGuard:  r.cfg.ConcurrencyFailMode == FailOpen,
		})
		return startErr
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConcurrencyLimit):
			r.recorder.Record(ctx, conv, model.EventConcurrencyBlocked, map[string]any{
				"batch_name": batch.Name, "scope": string(batch.Scope),
			})
			msg := fmt.Sprintf("%q is already running on this agent. Wait for it to finish and try again.", batch.Name)
			if batch.Scope == model.ScopeTenant {
				msg = fmt.Sprintf("%q is already running elsewhere in your account. Wait for it to finish and try again.", batch.Name)
			}
			return model.ChatResponse{State: model.StateDone, Message: msg}
		case errors.Is(err, storage.ErrNoActiveVersion):
			r.recorder.Record(ctx, conv, model.EventBatchNotFound, map[string]any{
				"intent": intent, "reason": "no_active_version",
			})
			return model.ChatResponse{
				State:   model.StateDone,
				Message: "That operation has no published version yet.",
			}
		default:
			// Dispatch is the critical path: always fail closed here.
			return r.internalError(ctx, conv, "dispatch", err)
		}
	}

	conv.State = model.ConversationState{Phase: model.PhaseIdle, LastIntent: intent}
	r.saveState(ctx, &conv)
	r.recorder.Record(ctx, conv, model.EventTaskQueued, map[string]any{
		"run_id": run.ID, "batch_id": batch.ID, "batch_name": batch.Name, "intent": intent,
	})
	return model.ChatResponse{
		State:   model.StateTaskQueued,
		Message: fmt.Sprintf("Queued %q on this agent.", batch.Name),
		RunID:   &run.ID,
	}
}

// saveState persists conversation scratch state best-effort. Losing it
// costs the user re-entered parameters on the next turn, never correctness.
func (r *Router) saveState(ctx context.Context, conv *model.Conversation) {
	if err := r.store.UpdateConversationState(ctx, conv.TenantID, conv.ID, conv.State); err != nil {
		r.logger.Warn("conversation state not persisted",
			"conversation_id", conv.ID, "error", err)
	}
}

func (r *Router) internalError(ctx context.Context, conv model.Conversation, stage string, err error) model.ChatResponse {
	r.logger.Error("router stage failed", "stage", stage, "conversation_id", conv.ID, "error", err)
	r.recorder.Record(ctx, conv, model.EventRouterError, map[string]any{
		"stage": stage, "error": err.Error(),
	})
	msg := "Something went wrong on our side. Please try again in a moment."
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg = "That took too long to process. Please try again in a moment."
	}
	return model.ChatResponse{State: model.StateDone, Message: msg}
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func mapKeysAny(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
