package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/adapters/busdelivery"
	"github.com/dukex/convoflow/pkg/adapters/httpcall"
	"github.com/dukex/convoflow/pkg/adapters/llm"
	"github.com/dukex/convoflow/pkg/adapters/luascript"
	"github.com/dukex/convoflow/pkg/adapters/sqlquery"
	"github.com/dukex/convoflow/pkg/cmd"
	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/flowfile"
	"github.com/dukex/convoflow/pkg/log"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/web"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"run"},
		Usage:   "Start the flow engine and its HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL: memory://, file://<dir> or postgres://...",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the execution lock; in-process locking when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "flows",
				Usage:   "Flow file or directory loaded into the store at startup",
				Sources: cli.EnvVars("FLOWS_PATH"),
			},
			&cli.DurationFlag{
				Name:    "adapter-timeout",
				Usage:   "Default timeout of an adapter call",
				Value:   engine.DefaultAdapterTimeout,
				Sources: cli.EnvVars("ADAPTER_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "max-steps",
				Usage:   "Steps one execution may take before it fails",
				Value:   engine.DefaultMaxSteps,
				Sources: cli.EnvVars("MAX_STEPS"),
			},
			&cli.StringFlag{
				Name:    "delay-sweep",
				Usage:   "Cron expression of the delayed execution sweep",
				Value:   scheduler.DefaultSweep,
				Sources: cli.EnvVars("DELAY_SWEEP"),
			},
			&cli.StringFlag{
				Name:    "openai-api-key",
				Usage:   "OpenAI key for ai_prompt nodes; the nodes fail when empty",
				Sources: cli.EnvVars("OPENAI_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "openai-model",
				Usage:   "Default model of ai_prompt nodes",
				Value:   "gpt-4o-mini",
				Sources: cli.EnvVars("OPENAI_MODEL"),
			},
			&cli.StringSliceFlag{
				Name:    "sql-connection",
				Usage:   "Named database for database_query nodes, as name=url (repeatable)",
				Sources: cli.EnvVars("SQL_CONNECTIONS"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces with the OTEL_EXPORTER_OTLP_* settings",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("convoflow")

			logger.InfoContext(ctx, "Initializing convoflow")

			tracer, shutdownTracer, err := newTracer(ctx, command.Bool("otel"))
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			defer func() {
				if err := shutdownTracer(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			lock, err := cmd.NewLocker(ctx, logger, command.String("redis-url"))
			if err != nil {
				return fmt.Errorf("failed to create locker: %w", err)
			}

			if closer, ok := lock.(io.Closer); ok {
				defer func() {
					if err := closer.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close locker", "error", err)
					}
				}()
			}

			querier := sqlquery.NewQuerier(slog.Default(), parseConnections(command.StringSlice("sql-connection")))
			defer func() {
				if err := querier.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close database pools", "error", err)
				}
			}()

			adapters, err := newAdapters(command, eventBus, querier)
			if err != nil {
				return err
			}

			delays := scheduler.New(slog.Default(), store, scheduler.WithSweep(command.String("delay-sweep")))
			if err := delays.Validate(); err != nil {
				return fmt.Errorf("invalid delay sweep: %w", err)
			}

			eng := engine.New(store, adapters, slog.Default(),
				engine.WithLocker(lock),
				engine.WithEventBus(eventBus),
				engine.WithScheduler(delays),
				engine.WithTracer(tracer),
				engine.WithMaxSteps(int(command.Int("max-steps"))),
				engine.WithAdapterTimeout(command.Duration("adapter-timeout")),
			)

			if path := command.String("flows"); path != "" {
				if err := preloadFlows(ctx, logger, store, path); err != nil {
					return err
				}
			}

			if err := eventBus.Handle(events.MessageInboundEvent, inboundHandler(logger, eng)); err != nil {
				return fmt.Errorf("failed to register inbound handler: %w", err)
			}

			if err := eventBus.Subscribe(ctx); err != nil {
				return fmt.Errorf("failed to subscribe to events: %w", err)
			}

			if err := delays.Start(ctx, eng); err != nil {
				return fmt.Errorf("failed to start delay scheduler: %w", err)
			}

			defer func() {
				if err := delays.Stop(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to stop delay scheduler", "error", err)
				}
			}()

			api := NewAPI(logger, store, eng)

			err = api.Start(int(command.Int("port")))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API", "error", err)
			}

			return nil
		},
	}
}

// nolint:ireturn
func newTracer(ctx context.Context, enabled bool) (trace.Tracer, otelhelper.ShutdownFunc, error) {
	if !enabled {
		return otelhelper.NoopTracer(), func(context.Context) error { return nil }, nil
	}

	return otelhelper.NewTracer(ctx, "convoflow")
}

func newAdapters(command *cli.Command, bus busdelivery.Publisher, querier *sqlquery.Querier) (protocol.Adapters, error) {
	delivery := busdelivery.New(bus, slog.Default())

	adapters := protocol.Adapters{
		Messages: delivery,
		Handoff:  delivery,
		HTTP:     httpcall.NewInvoker(slog.Default()),
		Database: querier,
		Scripts:  luascript.NewRunner(slog.Default()),
	}

	if key := command.String("openai-api-key"); key != "" {
		completer, err := llm.NewOpenAICompleter(key, command.String("openai-model"), slog.Default())
		if err != nil {
			return protocol.Adapters{}, fmt.Errorf("failed to create AI completer: %w", err)
		}

		adapters.AI = completer
	}

	return adapters, nil
}

func parseConnections(values []string) map[string]string {
	connections := make(map[string]string, len(values))

	for _, value := range values {
		name, url, ok := strings.Cut(value, "=")
		if !ok {
			continue
		}

		connections[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}

	return connections
}

func preloadFlows(ctx context.Context, logger *slog.Logger, store persistence.Persistence, path string) error {
	flows, err := flowfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}

	now := time.Now().UTC()

	for _, flow := range flows {
		report := web.Inspect(flow)
		if !report.Valid() {
			return fmt.Errorf("flow %s is invalid: %w", flow.ID, report.Err())
		}

		if flow.CreatedAt.IsZero() {
			flow.CreatedAt = now
		}

		flow.UpdatedAt = now

		if err := store.SaveFlow(ctx, flow); err != nil {
			return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
		}

		logger.InfoContext(ctx, "Loaded flow", "flow_id", flow.ID, "status", flow.Status, "warnings", len(report.Warnings))
	}

	return nil
}

// inboundHandler feeds messages from the bus into the engine. Refusals are
// logged and acknowledged: a redelivered reply could answer a later question.
func inboundHandler(logger *slog.Logger, eng *engine.Engine) eventbus.EventHandler {
	return func(ctx context.Context, event any) error {
		message, ok := event.(*events.MessageInbound)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		msgLogger := logger.With("conversation_id", message.ConversationID, "contact_id", message.ContactID)
		ctx = log.WithLogger(ctx, msgLogger)

		result, err := eng.HandleInbound(ctx, engine.InboundMessage{
			ConversationID: message.ConversationID,
			ContactID:      message.ContactID,
			Text:           message.Text,
			Contact:        message.Contact,
			FirstMessage:   message.FirstMessage,
		})
		if err != nil {
			msgLogger.WarnContext(ctx, "Inbound message not handled", "error", err, "busy", engine.IsBusy(err))

			return nil
		}

		msgLogger.DebugContext(ctx, "Inbound message handled", "execution_id", result.ExecutionID, "started", result.Started)

		return nil
	}
}
