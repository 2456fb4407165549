package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/bus"
	"github.com/taskmesh/taskmesh/claim"
	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/events"
	"github.com/taskmesh/taskmesh/executor"
	"github.com/taskmesh/taskmesh/firehose"
	"github.com/taskmesh/taskmesh/llm"
	"github.com/taskmesh/taskmesh/planner"
	"github.com/taskmesh/taskmesh/store"
	"github.com/taskmesh/taskmesh/tools"
)

var (
	cfgPath string
	cfg     *config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "taskmesh",
		Short:        "Event-driven task coordination for agent fleets",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			return err
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(
		newPlannerCmd(),
		newExecutorCmd(),
		newSubmitCmd(),
		newTailCmd(),
	)
	return root
}

func newRedisClient(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logrus.WithField("addr", cfg.RedisAddr).Info("connected to redis")
	return client, nil
}

func newBus(client *redis.Client) *bus.Bus {
	var opts []bus.Option
	if cfg.DispatchWorkers > 0 {
		opts = append(opts, bus.WithDispatchPool(cfg.DispatchWorkers))
	}
	return bus.New(client, opts...)
}

// wireFirehose attaches the Kafka mirror when enabled.
func wireFirehose(ctx context.Context, b *bus.Bus) error {
	if !cfg.FirehoseEnabled {
		return nil
	}
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("firehose enabled but no kafka brokers configured")
	}
	mirror := firehose.New(firehose.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
	return b.Subscribe(ctx, events.AllTopics, mirror.Listener())
}

// serve blocks on the dispatch loop until shutdown.
func serve(ctx context.Context, b *bus.Bus) error {
	defer b.Close()
	if err := b.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newPlannerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "planner",
		Short: "Run a planner agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := newRedisClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			b := newBus(client)
			arbiter := claim.NewArbiter(client, claim.WithTTL(cfg.ClaimTTL))
			runner := claim.NewRunner(arbiter, b,
				claim.WithMaxRetries(cfg.MaxRetries),
				claim.WithBaseDelay(cfg.RetryBaseDelay),
				claim.WithService("planner"),
			)

			agent := planner.New(b, runner)
			if err := agent.Register(ctx); err != nil {
				return err
			}
			if err := wireFirehose(ctx, b); err != nil {
				return err
			}
			return serve(ctx, b)
		},
	}
}

func newExecutorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executor",
		Short: "Run an executor agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := newRedisClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			b := newBus(client)
			toolExec := tools.NewExecutor(tools.DefaultRegistry(cfg.ToolRoot, cfg.SearchAPIKey), nil)

			opts := []executor.Option{executor.WithStepDelay(cfg.StepDelay)}
			if cfg.LLMURL != "" {
				opts = append(opts,
					executor.WithTextGenerator(llm.New(cfg.LLMURL, cfg.LLMModel, cfg.LLMTimeout)))
			}

			agent := executor.New(b, toolExec, opts...)
			if err := agent.Register(ctx); err != nil {
				return err
			}

			if cfg.PostgresDSN != "" {
				st, err := store.Open(cfg.PostgresDSN)
				if err != nil {
					return err
				}
				if err := st.Register(ctx, b); err != nil {
					return err
				}
				logrus.Info("task outcome archive enabled")
			}

			if err := wireFirehose(ctx, b); err != nil {
				return err
			}
			return serve(ctx, b)
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var goal, sessionID string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish a task.created event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				return errors.New("--goal is required")
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := newRedisClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			b := bus.New(client)
			taskID := uuid.NewString()
			payload := events.TaskPayload(taskID, sessionID, events.Payload{"goal": goal})

			if err := b.Publish(ctx, events.TopicTaskCreated, payload); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&goal, "goal", "", "task goal")
	cmd.Flags().StringVar(&sessionID, "session", "default", "session identifier")
	return cmd
}

func newTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Print every event on the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := newRedisClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			b := bus.New(client)
			out := cmd.OutOrStdout()
			err = b.Subscribe(ctx, events.AllTopics, func(topic string, payload events.Payload) {
				data, _ := json.Marshal(payload)
				fmt.Fprintf(out, "%s %s\n", topic, data)
			})
			if err != nil {
				return err
			}
			return serve(ctx, b)
		},
	}
}
