package planner

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/taskmesh/taskmesh/events"
)

// Goal heuristics. Each recognizer maps a goal phrasing onto a concrete
// tool pipeline; anything unrecognized falls through to the pure-LLM plan.
var (
	// Operands cover scientific notation so out-of-range values like 1e999
	// reach the ParseFloat error path instead of matching partially.
	mathPattern   = regexp.MustCompile(`(?i)(?:calculate|compute)\s*([\d.]+(?:[eE][+-]?\d+)?)\s*([+\-*/])\s*([\d.]+(?:[eE][+-]?\d+)?)`)
	searchPattern = regexp.MustCompile(`(?i)(?:search\s+for|find)\s*:?\s*(.+)`)
	readPattern   = regexp.MustCompile(`(?i)read\s+(?:the\s+)?file\s*:?\s*(\S+)`)
	writePattern  = regexp.MustCompile(`(?i)(?:write|create)\s+(?:a\s+)?file\s*:?\s*(\S+)`)
	listPattern   = regexp.MustCompile(`(?i)list\s+(?:the\s+)?(?:directory|files\s+in)\s*:?\s*(\S+)`)
	echoPattern   = regexp.MustCompile(`(?i)(?:echo|repeat)\s*:?\s*(.+)`)
)

var mathOps = map[string]string{
	"+": "add",
	"-": "subtract",
	"*": "multiply",
	"/": "divide",
}

// BuildPlan derives an ordered execution plan from a free-form goal.
func BuildPlan(taskID, goal string) (events.Plan, error) {
	if strings.TrimSpace(goal) == "" {
		return events.Plan{}, errors.New("planner: empty goal")
	}

	plan := events.Plan{TaskID: taskID, Goal: goal}

	if m := mathPattern.FindStringSubmatch(goal); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[3], 64)
		if errA != nil || errB != nil {
			return events.Plan{}, fmt.Errorf("planner: unparseable operands in %q", goal)
		}
		plan.Steps = []events.Step{{
			StepID:       1,
			Description:  fmt.Sprintf("compute %s %s %s", m[1], m[2], m[3]),
			RequiresTool: true,
			ToolName:     "math",
			ToolParams:   events.Payload{"operation": mathOps[m[2]], "a": a, "b": b},
			Dependencies: []int{},
		}}
		return plan, nil
	}

	if m := searchPattern.FindStringSubmatch(goal); m != nil {
		query := strings.TrimSpace(m[1])
		plan.Steps = []events.Step{
			{
				StepID:       1,
				Description:  "run web search: " + query,
				RequiresTool: true,
				ToolName:     "web_search",
				ToolParams:   events.Payload{"operation": "search", "query": query},
				Dependencies: []int{},
			},
			{
				StepID:       2,
				Description:  "summarize the search results",
				RequiresLLM:  true,
				Dependencies: []int{1},
			},
		}
		return plan, nil
	}

	if m := readPattern.FindStringSubmatch(goal); m != nil {
		plan.Steps = []events.Step{
			{
				StepID:       1,
				Description:  "read file: " + m[1],
				RequiresTool: true,
				ToolName:     "file_operations",
				ToolParams:   events.Payload{"operation": "read_file", "path": m[1]},
				Dependencies: []int{},
			},
			{
				StepID:       2,
				Description:  "analyze the file content and summarize",
				RequiresLLM:  true,
				Dependencies: []int{1},
			},
		}
		return plan, nil
	}

	if m := writePattern.FindStringSubmatch(goal); m != nil {
		plan.Steps = []events.Step{
			{
				StepID:       1,
				Description:  "generate content for: " + goal,
				RequiresLLM:  true,
				Dependencies: []int{},
			},
			{
				StepID:       2,
				Description:  "write file: " + m[1],
				RequiresTool: true,
				ToolName:     "file_operations",
				ToolParams:   events.Payload{"operation": "write_file", "path": m[1], "create_dirs": true},
				Dependencies: []int{1},
			},
		}
		return plan, nil
	}

	if m := listPattern.FindStringSubmatch(goal); m != nil {
		plan.Steps = []events.Step{
			{
				StepID:       1,
				Description:  "list directory: " + m[1],
				RequiresTool: true,
				ToolName:     "file_operations",
				ToolParams:   events.Payload{"operation": "list_directory", "path": m[1]},
				Dependencies: []int{},
			},
			{
				StepID:       2,
				Description:  "format the directory listing",
				RequiresLLM:  true,
				Dependencies: []int{1},
			},
		}
		return plan, nil
	}

	if m := echoPattern.FindStringSubmatch(goal); m != nil {
		msg := strings.TrimSpace(m[1])
		plan.Steps = []events.Step{{
			StepID:       1,
			Description:  "echo message: " + msg,
			RequiresTool: true,
			ToolName:     "echo",
			ToolParams:   events.Payload{"message": msg},
			Dependencies: []int{},
		}}
		return plan, nil
	}

	// Default: a pure-LLM pipeline.
	plan.Steps = []events.Step{
		{StepID: 1, Description: "analyze the task requirements", RequiresLLM: true, Dependencies: []int{}},
		{StepID: 2, Description: "generate the requested content", RequiresLLM: true, Dependencies: []int{1}},
		{StepID: 3, Description: "refine and format the result", RequiresLLM: true, Dependencies: []int{2}},
	}
	return plan, nil
}
