package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Params carries tool arguments as decoded JSON. Numeric values are
// float64, per encoding/json.
type Params map[string]any

// Result is the synchronous outcome of one tool invocation. Failures are
// embedded rather than raised so step results can be forwarded on the bus
// verbatim.
type Result struct {
	Status   string  `json:"status"`
	Data     any     `json:"data,omitempty"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"execution_time"`
}

// Success reports whether the invocation completed without error.
func (r Result) Success() bool { return r.Status == StatusSuccess }

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Tool is a synchronous capability an executor can invoke by name.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params Params) (any, error)
}

// Registry is a mutex-guarded name->Tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Executor resolves tool names against a registry and wraps invocations
// with timing and error capture.
type Executor struct {
	reg *Registry
	log *logrus.Entry
}

func NewExecutor(reg *Registry, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{reg: reg, log: log}
}

// Execute runs the named tool. Unknown tools and tool failures come back as
// error Results, never as panics or raised errors, so a bad step cannot
// take down the agent processing it.
func (e *Executor) Execute(ctx context.Context, name string, params Params) Result {
	start := time.Now()

	tool, ok := e.reg.Get(name)
	if !ok {
		return Result{
			Status:   StatusError,
			Error:    fmt.Sprintf("unknown tool %q", name),
			Duration: time.Since(start).Seconds(),
		}
	}

	data, err := tool.Execute(ctx, params)
	elapsed := time.Since(start)

	if err != nil {
		e.log.WithFields(logrus.Fields{"tool": name, "error": err}).
			Warn("tool execution failed")
		return Result{Status: StatusError, Error: err.Error(), Duration: elapsed.Seconds()}
	}

	e.log.WithFields(logrus.Fields{"tool": name, "duration": elapsed}).
		Debug("tool executed")
	return Result{Status: StatusSuccess, Data: data, Duration: elapsed.Seconds()}
}
