package iothub

import (
	"encoding/json"
	"fmt"
)

// logOperation is the $log/operation request and its result.
type logOperation struct {
	Type        string `json:"type"`
	ClientToken string `json:"clientToken,omitempty"`
	LogLevel    *int   `json:"log_level,omitempty"`
}

const logTypeGetLevel = "get_log_level"

// registerLog subscribes to log operation results and asks the cloud for
// the current upload level.
func (h *Hub) registerLog() error {
	if err := h.subscribe(h.topics.LogOperationResult(), h.handleLogResult); err != nil {
		return err
	}

	payload, err := json.Marshal(logOperation{
		Type:        logTypeGetLevel,
		ClientToken: NewClientToken(h.topics.ProductID),
	})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", logTypeGetLevel, err)
	}
	if err := h.transport.Publish(h.topics.LogOperation(), payload, h.qos, false); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrTransport, logTypeGetLevel, err)
	}
	return nil
}

// handleLogResult applies a log level sent by the cloud.
func (h *Hub) handleLogResult(_ string, payload []byte) error {
	var op logOperation
	if err := json.Unmarshal(payload, &op); err != nil {
		return fmt.Errorf("log result dropped: %w: %w", ErrMalformedPayload, err)
	}
	if op.Type != logTypeGetLevel || op.LogLevel == nil {
		return nil
	}

	h.logger.Info("remote log level received", "log_level", *op.LogLevel)
	if h.logLevel == nil {
		return nil
	}
	if err := h.logLevel.SetIotHubLevel(*op.LogLevel); err != nil {
		return fmt.Errorf("applying remote log level: %w", err)
	}
	return nil
}
