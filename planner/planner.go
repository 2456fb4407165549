// Package planner implements the worker agent that turns task.created
// events into approved execution plans. Any number of identical planner
// processes may share the task stream; claim arbitration guarantees each
// task is planned by exactly one of them.
package planner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/bus"
	"github.com/taskmesh/taskmesh/claim"
	"github.com/taskmesh/taskmesh/events"
)

// Bus is the slice of the event bus the planner needs.
type Bus interface {
	Publish(ctx context.Context, topic string, payload events.Payload) error
	Subscribe(ctx context.Context, pattern string, fn bus.Listener) error
}

// Agent plans tasks. One Agent per process; horizontal scale comes from
// running more processes against the same broker.
type Agent struct {
	bus    Bus
	runner *claim.Runner
	log    *logrus.Entry
	now    func() time.Time

	ctx context.Context
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Agent) { a.log = log }
}

func New(b Bus, runner *claim.Runner, opts ...Option) *Agent {
	a := &Agent{
		bus:    b,
		runner: runner,
		log:    logrus.WithField("agent", "planner"),
		now:    time.Now,
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

	if err := a.bus.Subscribe(ctx, events.TopicTaskCreated, a.handleTaskCreated); err != nil {
		return err
	}
	if err := a.bus.Subscribe(ctx, events.AllTopics, a.auditEvent); err != nil {
		return err
	}

	a.log.Info("planner event handlers registered")
	return nil
}

func (a *Agent) handleTaskCreated(topic string, payload events.Payload) {
	taskID := events.TaskID(payload)
	if taskID == "" {
		a.log.Warn("task.created event missing task_id")
		return
	}

	goal := events.Goal(payload)
	log := a.log.WithField("task_id", taskID)

	processed, err := a.runner.Run(a.ctx, taskID, goal, func(ctx context.Context) error {
		return a.process(ctx, payload)
	})
	switch {
	case err != nil:
		// Terminal: the runner already published task.error.
		log.WithField("error", err).Error("task processing failed")
	case processed:
		log.Info("task planned")
	default:
		log.Debug("task handled by another worker")
	}
}

func (a *Agent) process(ctx context.Context, payload events.Payload) error {
	taskID := events.TaskID(payload)
	sessionID := events.SessionID(payload)
	goal := events.Goal(payload)

	log := a.log.WithField("task_id", taskID)

	if goal == "" {
		log.Warn("task.created event missing goal, nothing to plan")
		return nil
	}

	plan, err := BuildPlan(taskID, goal)
	if err != nil {
		// A goal we cannot plan is not transient; report it once and move on.
		log.WithField("error", err).Warn("plan generation failed")
		return a.bus.Publish(ctx, events.TopicPlanError, events.Payload{
			"task_id": taskID,
			"error":   err.Error(),
			"goal":    goal,
		})
	}

	proposal := events.TaskPayload(taskID, sessionID, events.Payload{
		"original_goal":   goal,
		"plan":            plan,
		"estimated_steps": len(plan.Steps),
		"created_at":      events.Timestamp(a.now()),
	})
	if err := a.bus.Publish(ctx, events.TopicPlanProposed, proposal); err != nil {
		return err
	}
	log.WithField("steps", len(plan.Steps)).Info("plan proposed")

	return a.approve(ctx, taskID, sessionID, goal, plan)
}

// approve auto-approves a proposed plan. There is no human in the loop;
// approval exists as a separate event so one can be added without touching
// the executor.
func (a *Agent) approve(ctx context.Context, taskID, sessionID, goal string, plan events.Plan) error {
	approved := events.TaskPayload(taskID, sessionID, events.Payload{
		"original_goal":   goal,
		"plan":            plan,
		"estimated_steps": len(plan.Steps),
		"approved_at":     events.Timestamp(a.now()),
		"approved_by":     "auto-approval",
	})
	if err := a.bus.Publish(ctx, events.TopicPlanApproved, approved); err != nil {
		return err
	}

	a.log.WithField("task_id", taskID).Info("plan approved")
	return nil
}

func (a *Agent) auditEvent(topic string, payload events.Payload) {
	a.log.WithField("topic", topic).Debug("observed event")
}
