// kcli is a small operator tool for the federation broker: it declares,
// feeds and removes the durable queues that engines address through the
// shared direct exchange.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	flag "github.com/spf13/pflag"

	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
)

const usage = `usage:
  kcli message connect <queue>            declare a durable queue and bind it
  kcli message send <queue> <text...>     publish a notification to a queue
  kcli message delete <queue> [--force]   remove a queue (--force even if in use)

flags:
  --broker <uri>   AMQP broker (default $KLAB_BROKER_URL or local broker)`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "kcli:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 || args[0] != "message" {
		return errors.New(usage)
	}

	flags := flag.NewFlagSet("kcli", flag.ContinueOnError)
	flags.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	broker := flags.String("broker", defaultBroker(), "AMQP broker URI")
	force := flags.Bool("force", false, "delete the queue even when in use or non-empty")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) < 2 {
		return errors.New(usage)
	}
	sub, queue := rest[0], rest[1]

	conn, ch, err := dial(*broker)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close(); _ = conn.Close() }()

	switch sub {
	case "connect":
		return connectQueue(ch, queue)
	case "send":
		if len(rest) < 3 {
			return errors.New("send: missing message text")
		}
		return sendToQueue(ch, queue, strings.Join(rest[2:], " "))
	case "delete":
		return deleteQueue(ch, queue, *force)
	default:
		return errors.New(usage)
	}
}

func defaultBroker() string {
	if v := os.Getenv("KLAB_BROKER_URL"); v != "" {
		return v
	}
	return model.LocalFederation().Broker
}

func dial(broker string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(broker)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", broker, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(messaging.DirectExchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

// connectQueue declares a durable queue bound to the shared direct exchange
// under its own name, so engines can address it with PublishDirect.
func connectQueue(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, messaging.DirectExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	fmt.Printf("queue %s ready\n", queue)
	return nil
}

func sendToQueue(ch *amqp.Channel, queue, text string) error {
	sender := model.NewIdentity(model.IdentityService, "kcli")
	msg, err := model.NewMessage(sender.Ref(), model.ClassNotification, model.TypeInfo, text)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = ch.PublishWithContext(ctx, messaging.DirectExchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	fmt.Printf("sent %d bytes to %s\n", len(body), queue)
	return nil
}

// deleteQueue removes a queue. Without --force the delete is conditional and
// fails when the queue still has consumers or messages.
func deleteQueue(ch *amqp.Channel, queue string, force bool) error {
	purged, err := ch.QueueDelete(queue, !force, !force, false)
	if err != nil {
		return fmt.Errorf("delete queue %s: %w", queue, err)
	}
	fmt.Printf("queue %s deleted (%d messages dropped)\n", queue, purged)
	return nil
}
