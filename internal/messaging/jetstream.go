package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	CommandsStream  = "COMMANDS"
	CommandSubjects = "app.command.>"

	// DecisionConsumer is the durable queue group shared by decision-engine replicas.
	DecisionConsumer = "decision-engine"
)

// EnsureStreams creates the COMMANDS stream carrying app.command.> if it is missing.
func EnsureStreams(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(CommandsStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      CommandsStream,
		Subjects:  []string{CommandSubjects},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	})
	return err
}
