package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// SendRequestTransformer unmarshals a Pub/Sub payload into a push.SendRequest.
// Malformed payloads are skipped so the streaming service can dead-letter them.
func SendRequestTransformer(_ context.Context, msg *messagepipeline.Message) (*push.SendRequest, bool, error) {
	var req push.SendRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal send request from message %s: %w", msg.ID, err)
	}
	return &req, false, nil
}
