package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
)

// DeliveryCapability posts the finished digest to the configured webhook.
// The orchestrator treats a failure here as degraded, never fatal.
type DeliveryCapability struct {
	cfg    config.DeliveryConfig
	client *http.Client
	now    func() time.Time
}

// NewDeliveryCapability builds the delivery adapter.
func NewDeliveryCapability(cfg config.DeliveryConfig) *DeliveryCapability {
	return &DeliveryCapability{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, now: time.Now}
}

func (d *DeliveryCapability) ID() string { return agent.CapabilityDelivery }

func (d *DeliveryCapability) Execute(ctx context.Context, input agent.Input) (agent.Output, error) {
	if d.cfg.WebhookURL == "" {
		return agent.Output{Empty: true, Reason: "no delivery webhook configured"}, nil
	}
	if input.Narrative == "" {
		return agent.Output{}, fmt.Errorf("nothing to deliver: empty narrative")
	}

	recipient := input.Recipient
	if recipient == "" {
		recipient = input.Request.RequesterID
	}
	subject := fmt.Sprintf("Travel research: %s to %s", input.Request.OriginCity, input.Request.Destination)
	body := map[string]interface{}{
		"recipient":    recipient,
		"sender":       d.cfg.Sender,
		"subject":      subject,
		"narrative":    input.Narrative,
		"fingerprint":  input.Request.Fingerprint,
		"delivered_at": d.now().UTC().Format(time.RFC3339),
	}
	if err := doJSON(ctx, d.client, http.MethodPost, d.cfg.WebhookURL, nil, body, nil); err != nil {
		return agent.Output{}, err
	}
	return agent.Output{Data: map[string]interface{}{
		"recipient": recipient,
		"subject":   subject,
	}}, nil
}
