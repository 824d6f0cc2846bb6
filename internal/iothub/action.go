package iothub

import (
	"context"
	"fmt"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
)

// handleAction routes $thing/down/action messages.
func (h *Hub) handleAction(_ string, payload []byte) error {
	env, err := Decode(payload, true)
	if err != nil {
		return fmt.Errorf("action message dropped: %w", err)
	}
	if env.Method != MethodNameAction {
		h.logger.Debug("unhandled action method", "method", env.Method)
		return nil
	}
	if env.ActionID == "" {
		return h.replyAction(context.Background(), env.ClientToken, &device.ActionReply{},
			fmt.Errorf("%w: action missing actionId", ErrMalformedPayload))
	}

	params, err := ParseParams(env.Params)
	if err != nil {
		return h.replyAction(context.Background(), env.ClientToken, &device.ActionReply{}, err)
	}
	return h.Dispatch(context.Background(), env.ActionID, env.ClientToken, params)
}

// Dispatch runs the action registered under actionID and publishes the
// action_reply echoing clientToken.
//
// The callback runs synchronously with a fresh reply that it fills in.
// An unknown id, a callback error or a non-zero reply code is sent as a
// failure code.
func (h *Hub) Dispatch(ctx context.Context, actionID, clientToken string, params device.Params) error {
	reply := &device.ActionReply{}

	fn, err := h.registry.LookupAction(actionID)
	if err != nil {
		h.logger.Warn("action not registered", "action_id", actionID)
	} else if err = fn(ctx, reply, params); err != nil {
		h.logger.Warn("action failed", "action_id", actionID, "error", err)
	}

	return h.replyAction(ctx, clientToken, reply, err)
}

// replyAction publishes action_reply. A reply code set by the callback
// takes precedence over a nil error.
func (h *Hub) replyAction(ctx context.Context, clientToken string, reply *device.ActionReply, err error) error {
	code, status := StatusFor(err)
	if err == nil && reply.Code != 0 {
		code, status = reply.Code, "failure"
	}

	m := NewMethod(MethodActionReply)
	m.Params = reply.Params
	m.Extra.ClientToken = clientToken
	m.Extra.Code = code
	m.Extra.Status = status

	env, eerr := m.Envelope(clientToken)
	if eerr != nil {
		return eerr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return h.publish(h.topics.ThingUp(mqtt.FacetAction), env)
}
