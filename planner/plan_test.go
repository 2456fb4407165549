package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name      string
		goal      string
		steps     int
		firstTool string
		llmOnly   bool
	}{
		{name: "math", goal: "calculate 2 + 3", steps: 1, firstTool: "math"},
		{name: "math multiply", goal: "compute 4*2.5", steps: 1, firstTool: "math"},
		{name: "search", goal: "search for: golang generics", steps: 2, firstTool: "web_search"},
		{name: "find", goal: "find the latest redis release", steps: 2, firstTool: "web_search"},
		{name: "read file", goal: "read the file: notes.txt", steps: 2, firstTool: "file_operations"},
		{name: "write file", goal: "create a file out/report.md", steps: 2},
		{name: "list directory", goal: "list the directory /tmp", steps: 2, firstTool: "file_operations"},
		{name: "echo", goal: "echo: hello world", steps: 1, firstTool: "echo"},
		{name: "default llm pipeline", goal: "write a short poem about autumn", steps: 3, llmOnly: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan("t1", tt.goal)
			require.NoError(t, err)

			assert.Equal(t, "t1", plan.TaskID)
			assert.Equal(t, tt.goal, plan.Goal)
			require.Len(t, plan.Steps, tt.steps)

			if tt.firstTool != "" {
				assert.True(t, plan.Steps[0].RequiresTool)
				assert.Equal(t, tt.firstTool, plan.Steps[0].ToolName)
			}
			if tt.llmOnly {
				for _, step := range plan.Steps {
					assert.True(t, step.RequiresLLM)
					assert.False(t, step.RequiresTool)
				}
			}

			// Step ids are 1-based and sequential.
			for i, step := range plan.Steps {
				assert.Equal(t, i+1, step.StepID)
			}
		})
	}
}

func TestBuildPlanMathParams(t *testing.T) {
	plan, err := BuildPlan("t1", "calculate 10 / 4")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)

	params := plan.Steps[0].ToolParams
	assert.Equal(t, "divide", params["operation"])
	assert.Equal(t, 10.0, params["a"])
	assert.Equal(t, 4.0, params["b"])
}

func TestBuildPlanWriteFileDependsOnContent(t *testing.T) {
	plan, err := BuildPlan("t1", "write file: out.txt")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	assert.True(t, plan.Steps[0].RequiresLLM)
	assert.True(t, plan.Steps[1].RequiresTool)
	assert.Equal(t, "file_operations", plan.Steps[1].ToolName)
	assert.Equal(t, []int{1}, plan.Steps[1].Dependencies)
}

func TestBuildPlanRejectsEmptyGoal(t *testing.T) {
	_, err := BuildPlan("t1", "   ")
	assert.Error(t, err)
}

func TestBuildPlanRejectsOverflowingOperands(t *testing.T) {
	_, err := BuildPlan("t1", "calculate 1e999 + 1")
	assert.Error(t, err)
}
