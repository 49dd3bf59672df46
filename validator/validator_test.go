package validator_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"delegate.run/engine/catalogue"
	"delegate.run/engine/plan"
	"delegate.run/engine/validator"
)

func testCatalogue(t *testing.T) *catalogue.Catalogue {
	t.Helper()
	cat, err := catalogue.New([]catalogue.AgentDef{
		{AgentType: "READER", LoopLimit: 5},
		{AgentType: "SHELL_EXECUTOR", LoopLimit: 5},
		{AgentType: "MEMORY_EXECUTOR", LoopLimit: 3},
	})
	require.NoError(t, err)
	return cat
}

func TestValidate_UnknownRole(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{{ID: "task_1", Role: "GHOST"}}}
	err := validator.Validate(p, testCatalogue(t))
	require.NotNil(t, err)
	require.Equal(t, validator.KindUnknownRole, err.Kind)
}

func TestValidate_CyclicDependency(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Role: "READER", Dependencies: []string{"task_2"}},
		{ID: "task_2", Role: "READER", Dependencies: []string{"task_1"}},
	}}
	err := validator.Validate(p, testCatalogue(t))
	require.NotNil(t, err)
	require.Equal(t, validator.KindCyclicDependency, err.Kind)
}

func TestValidate_AntipatternRejectsSplitListThenProcess(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Role: "READER", Description: "List all files in the reports directory."},
		{ID: "task_2", Role: "SHELL_EXECUTOR", Description: "Process each of the files found.", Dependencies: []string{"task_1"}},
	}}
	err := validator.Validate(p, testCatalogue(t))
	require.NotNil(t, err)
	require.Equal(t, validator.KindPlanAntipattern, err.Kind)
}

func TestValidate_AllowsEnumerationWhenSecondTaskNamesConcretePaths(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Role: "READER", Description: "List all files in the reports directory."},
		{ID: "task_2", Role: "SHELL_EXECUTOR", Description: "Process /data/reports/q1.csv and /data/reports/q2.csv.", Dependencies: []string{"task_1"}},
	}}
	err := validator.Validate(p, testCatalogue(t))
	require.Nil(t, err)
}

func TestValidate_PlaceholderPath(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Role: "READER", Description: "Read the file at /path/to/report.pdf."},
	}}
	err := validator.Validate(p, testCatalogue(t))
	require.NotNil(t, err)
	require.Equal(t, validator.KindPlaceholderPath, err.Kind)
}

func TestValidate_UndefinedParameter(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Role: "READER", Description: "Call read_file(file_path) to load the report."},
	}}
	err := validator.Validate(p, testCatalogue(t))
	require.NotNil(t, err)
	require.Equal(t, validator.KindUndefinedParam, err.Kind)
}

func TestValidate_UndefinedParameterAllowsLiteralArgument(t *testing.T) {
	p := &plan.Plan{Tasks: []plan.Task{
		{ID: "task_1", Role: "READER", Description: `Call read_file("/data/report.pdf") to load the report.`},
	}}
	err := validator.Validate(p, testCatalogue(t))
	require.Nil(t, err)
}

func TestValidate_ExcessMemoryTasks(t *testing.T) {
	p := &plan.Plan{
		Query: "Summarize the quarterly report.",
		Tasks: []plan.Task{
			{ID: "task_1", Role: "MEMORY_EXECUTOR", Description: "Log progress."},
		},
	}
	err := validator.Validate(p, testCatalogue(t))
	require.NotNil(t, err)
	require.Equal(t, validator.KindExcessMemoryTasks, err.Kind)
}

func TestValidate_MemoryTaskAllowedWhenRequested(t *testing.T) {
	p := &plan.Plan{
		Query: "Summarize the quarterly report and log progress on it.",
		Tasks: []plan.Task{
			{ID: "task_1", Role: "MEMORY_EXECUTOR", Description: "Record that the summary is done."},
		},
	}
	err := validator.Validate(p, testCatalogue(t))
	require.Nil(t, err)
}
