// Package executor implements the worker agent that drives approved plans:
// it runs each step through a tool or the inference endpoint and reports
// progress and completion on the bus.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/bus"
	"github.com/taskmesh/taskmesh/events"
	"github.com/taskmesh/taskmesh/tools"
)

// Bus is the slice of the event bus the executor needs.
type Bus interface {
	Publish(ctx context.Context, topic string, payload events.Payload) error
	Subscribe(ctx context.Context, pattern string, fn bus.Listener) error
}

// TextGenerator produces text from a prompt; satisfied by llm.Client.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Agent executes approved plans step by step.
type Agent struct {
	bus   Bus
	tools *tools.Executor
	llm   TextGenerator
	log   *logrus.Entry
	now   func() time.Time

	// stepDelay spaces out step execution; zero disables it.
	stepDelay time.Duration

	ctx context.Context
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Agent) { a.log = log }
}

// WithStepDelay inserts a pause between plan steps.
func WithStepDelay(d time.Duration) Option {
	return func(a *Agent) { a.stepDelay = d }
}

// WithTextGenerator wires the inference endpoint used for LLM steps.
func WithTextGenerator(g TextGenerator) Option {
	return func(a *Agent) { a.llm = g }
}

func New(b Bus, toolExec *tools.Executor, opts ...Option) *Agent {
	a := &Agent{
		bus:   b,
		tools: toolExec,
		log:   logrus.WithField("agent", "executor"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register subscribes the agent's handlers. ctx is retained as the base
// context for all handler-originated broker calls.
func (a *Agent) Register(ctx context.Context) error {
	a.ctx = ctx

	if err := a.bus.Subscribe(ctx, events.TopicPlanApproved, a.handlePlanApproved); err != nil {
		return err
	}
	if err := a.bus.Subscribe(ctx, events.AllTopics, a.auditEvent); err != nil {
		return err
	}

	a.log.Info("executor event handlers registered")
	return nil
}

func (a *Agent) handlePlanApproved(topic string, payload events.Payload) {
	taskID := events.TaskID(payload)
	if taskID == "" {
		a.log.Warn("plan.approved event missing task_id")
		return
	}
	log := a.log.WithField("task_id", taskID)

	plan, err := events.PlanFromPayload(payload)
	if err != nil {
		log.WithField("error", err).Warn("plan.approved event carries no usable plan")
		return
	}
	if len(plan.Steps) == 0 {
		log.Warn("approved plan has no steps")
		return
	}

	sessionID := events.SessionID(payload)
	goal := originalGoal(payload)

	log.WithField("steps", len(plan.Steps)).Info("starting plan execution")

	results := make([]events.Payload, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		a.publishProgress(events.TopicActionStarted, events.Payload{
			"task_id":     taskID,
			"step_id":     step.StepID,
			"description": step.Description,
		})

		result, err := a.executeStep(a.ctx, plan, step, results)
		if err != nil {
			log.WithFields(logrus.Fields{"step_id": step.StepID, "error": err}).
				Error("step execution failed")
			a.publishProgress(events.TopicTaskFailed, events.Payload{
				"task_id": taskID,
				"error":   err.Error(),
				"status":  "failed",
			})
			return
		}
		results = append(results, result)

		a.publishProgress(events.TopicActionCompleted, events.Payload{
			"task_id": taskID,
			"step_id": step.StepID,
			"result":  result,
			"status":  "completed",
		})

		if a.stepDelay > 0 {
			time.Sleep(a.stepDelay)
		}
	}

	completion := events.TaskPayload(taskID, sessionID, events.Payload{
		"original_goal":     goal,
		"execution_results": results,
		"completed_at":      events.Timestamp(a.now()),
		"status":            "completed",
	})
	if err := a.bus.Publish(a.ctx, events.TopicTaskCompleted, completion); err != nil {
		log.WithField("error", err).Error("failed to publish task completion")
		return
	}
	log.Info("task completed")
}

// executeStep runs one step. Tool failures are embedded in the step result
// so the full trace survives in execution_results; infrastructure failures
// (inference endpoint unreachable) abort the task.
func (a *Agent) executeStep(ctx context.Context, plan events.Plan, step events.Step, prior []events.Payload) (events.Payload, error) {
	switch {
	case step.RequiresTool && step.ToolName != "":
		res := a.tools.Execute(ctx, step.ToolName, tools.Params(step.ToolParams))
		return events.Payload{
			"description": step.Description,
			"tool_name":   step.ToolName,
			"tool_result": res,
			"status":      res.Status,
			"timestamp":   events.Timestamp(a.now()),
		}, nil

	case step.RequiresLLM:
		if a.llm == nil {
			return nil, errors.New("executor: inference endpoint not configured")
		}
		text, err := a.llm.Generate(ctx, buildPrompt(plan.Goal, step, prior))
		if err != nil {
			return nil, err
		}
		return events.Payload{
			"description":  step.Description,
			"llm_response": text,
			"model":        a.llm.Model(),
			"timestamp":    events.Timestamp(a.now()),
		}, nil

	default:
		return events.Payload{
			"description": step.Description,
			"result":      "action completed",
			"timestamp":   events.Timestamp(a.now()),
		}, nil
	}
}

// buildPrompt gives the model the goal, the step instruction, and what the
// previous steps produced.
func buildPrompt(goal string, step events.Step, prior []events.Payload) string {
	prompt := fmt.Sprintf("Goal: %s\nInstruction: %s", goal, step.Description)
	for i, r := range prior {
		if data, ok := r["llm_response"].(string); ok {
			prompt += fmt.Sprintf("\nStep %d output: %s", i+1, data)
		}
	}
	return prompt
}

// publishProgress sends a progress event; progress is advisory, so a
// failure is logged rather than aborting the plan.
func (a *Agent) publishProgress(topic string, payload events.Payload) {
	if err := a.bus.Publish(a.ctx, topic, payload); err != nil {
		a.log.WithFields(logrus.Fields{"topic": topic, "error": err}).
			Warn("failed to publish progress event")
	}
}

func originalGoal(payload events.Payload) string {
	if g, ok := events.Data(payload)["original_goal"].(string); ok {
		return g
	}
	return events.Goal(payload)
}

func (a *Agent) auditEvent(topic string, payload events.Payload) {
	a.log.WithField("topic", topic).Debug("observed event")
}
