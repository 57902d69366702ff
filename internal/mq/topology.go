package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareTopology declares the exchange, the five queues and their bindings,
// plus the dead-letter route. Everything is durable and the declarations are
// idempotent, so this runs on every (re)connect.
func DeclareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	bindings := []struct {
		queue string
		key   string
	}{
		{QueueInstructions, BindingExecutionResult},
		{QueueAPITasks, KeyAPITask},
		{QueueAgentTasks, KeyAgentTask},
		{QueueAPIResponses, KeyAPIResponse},
		{QueueAgentResponses, KeyAgentResponse},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.queue, b.key, err)
		}
	}

	dl := cfg.DeadLetter
	if dl.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(dl.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", dl.Exchange, err)
	}
	if _, err := ch.QueueDeclare(dl.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", dl.Queue, err)
	}
	if err := ch.QueueBind(dl.Queue, dl.RoutingKey, dl.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	return nil
}
