package iothub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/qcloud-device/internal/notify"
)

// statusRequest tracks an outstanding get_status. The zero value is Idle.
type statusRequest struct {
	pending     bool
	autoUpdate  bool
	clientToken string
}

// getStatusRequest is the get_status body. It has no params, so it is
// not an Envelope.
type getStatusRequest struct {
	Method      string `json:"method"`
	ClientToken string `json:"clientToken"`
	Type        string `json:"type"`
}

// statusData is the data object of a get_status_reply.
type statusData struct {
	Reported json.RawMessage `json:"reported"`
}

// handleProperty routes $thing/down/property messages.
func (h *Hub) handleProperty(_ string, payload []byte) error {
	env, err := Decode(payload, true)
	if err != nil {
		return fmt.Errorf("property message dropped: %w", err)
	}

	switch env.Method {
	case MethodNameControl:
		return h.handleControl(env)
	case MethodNameGetStatusReply:
		h.handleStatusReply(env)
	case MethodNameReportReply, MethodNameReportInfoReply:
		h.logger.Debug("report acknowledged",
			"method", env.Method,
			"client_token", env.ClientToken,
			"code", env.CodeValue(),
			"status", env.Status)
	default:
		h.logger.Debug("unhandled property method", "method", env.Method)
	}
	return nil
}

// handleControl applies the cloud's values and always answers with
// control_reply, carrying the failure code when the apply stopped early.
func (h *Hub) handleControl(env Envelope) error {
	params, err := ParseParams(env.Params)
	if err == nil {
		var applied device.Params
		applied, err = h.registry.ApplyIncoming(params)
		if err != nil {
			h.logger.Warn("control partially applied",
				"applied", len(applied),
				"requested", len(params),
				"error", err)
		}
	}

	code, status := StatusFor(err)
	reply := Envelope{
		Method:      MethodNameControlReply,
		ClientToken: env.ClientToken,
		Code:        intPtr(code),
		Status:      status,
	}
	return h.publish(h.topics.ThingUp(mqtt.FacetProperty), reply)
}

// handleStatusReply completes an outstanding get_status. The request
// returns to Idle whatever the reply code; there is no retry.
func (h *Hub) handleStatusReply(env Envelope) {
	h.statusMu.Lock()
	req := h.status
	if !req.pending || req.clientToken != env.ClientToken {
		h.statusMu.Unlock()
		h.logger.Debug("ignoring unsolicited get_status_reply", "client_token", env.ClientToken)
		return
	}
	h.status = statusRequest{}
	h.statusMu.Unlock()

	if code := env.CodeValue(); code != 0 {
		h.logger.Warn("get_status rejected", "code", code, "status", env.Status)
		return
	}

	var data statusData
	if err := json.Unmarshal(env.Data, &data); err != nil || len(data.Reported) == 0 {
		h.logger.Warn("get_status_reply without reported state", "error", err)
		return
	}

	if req.autoUpdate {
		params, err := ParseParams(data.Reported)
		if err != nil {
			h.logger.Warn("get_status_reply reported state malformed", "error", err)
		} else if _, err := h.registry.ApplyIncoming(params); err != nil {
			h.logger.Warn("applying reported state failed", "error", err)
		}
	}

	reported := make([]byte, len(data.Reported))
	copy(reported, data.Reported)
	h.post(notify.EventStatusReceived, reported)
}

// GetStatus asks the cloud for the last reported state. When autoUpdate
// is set the reply is applied through the accessor. A new request
// replaces one still outstanding.
func (h *Hub) GetStatus(ctx context.Context, autoUpdate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	token := NewClientToken(h.topics.DeviceName)
	payload, err := json.Marshal(getStatusRequest{
		Method:      MethodNameGetStatus,
		ClientToken: token,
		Type:        "report",
	})
	if err != nil {
		return fmt.Errorf("encoding get_status: %w", err)
	}

	h.statusMu.Lock()
	h.status = statusRequest{pending: true, autoUpdate: autoUpdate, clientToken: token}
	h.statusMu.Unlock()

	if err := h.transport.Publish(h.topics.ThingUp(mqtt.FacetProperty), payload, h.qos, false); err != nil {
		h.statusMu.Lock()
		if h.status.clientToken == token {
			h.status = statusRequest{}
		}
		h.statusMu.Unlock()
		return fmt.Errorf("%w: publish get_status: %w", ErrTransport, err)
	}
	return nil
}

// StatusPending reports whether a get_status is outstanding.
func (h *Hub) StatusPending() bool {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	return h.status.pending
}

// ReportAllProperties reads every property and publishes a report.
// Nothing is published when a read fails.
func (h *Hub) ReportAllProperties(ctx context.Context) error {
	params, err := h.registry.CollectAll()
	if err != nil {
		return err
	}

	m := NewMethod(MethodReport)
	m.Params = params
	if err := h.PostMethod(ctx, m); err != nil {
		return err
	}

	if h.telemetry != nil {
		h.telemetry.WriteProperties(h.topics.ProductID, h.topics.DeviceName, telemetryFields(params))
	}
	return nil
}

// ReportDeviceInfo publishes report_info with the module and firmware
// versions.
func (h *Hub) ReportDeviceInfo(ctx context.Context) error {
	m := NewMethod(MethodReportInfo)
	m.Params.AddString("module_hardinfo", h.info.HardwareInfo)
	m.Params.AddString("module_softinfo", h.info.SoftwareInfo)
	m.Params.AddString("fw_ver", h.registry.Profile().Version)
	return h.PostMethod(ctx, m)
}

// telemetryFields converts params to InfluxDB field values.
func telemetryFields(params device.Params) map[string]interface{} {
	fields := make(map[string]interface{}, len(params))
	for _, p := range params {
		switch p.Value.Type {
		case device.TypeBool:
			fields[p.ID] = p.Value.Bool
		case device.TypeInt:
			fields[p.ID] = p.Value.Int
		case device.TypeFloat:
			fields[p.ID] = p.Value.Float
		case device.TypeString:
			fields[p.ID] = p.Value.Str
		}
	}
	return fields
}
