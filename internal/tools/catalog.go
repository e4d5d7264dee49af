// Package tools implements the fixed tool set bound to every agent
// execution: delegation, durable memory, secrets, task comments, task
// creation, and completion marking. The execution graph owns dispatch;
// Genkit only carries the schemas to the model.
package tools

import "github.com/basket/go-drover/internal/policy"

// Fixed tool names. The set does not vary per agent; the policy engine
// decides which of these a session may use.
const (
	ToolDelegateToAgent = "delegate-to-agent"
	ToolStoreMemory     = "store-memory"
	ToolSearchMemory    = "search-memory"
	ToolGetSecret       = "get-secret"
	ToolCommentOnTask   = "comment-on-task"
	ToolCreateTask      = "create-task"
	ToolMarkComplete    = "mark-complete"
)

// Catalog describes each tool for policy resolution.
func Catalog() []policy.ToolSpec {
	return []policy.ToolSpec{
		{
			Name:       ToolDelegateToAgent,
			Categories: []string{policy.CategoryDelegation},
		},
		{
			Name:       ToolStoreMemory,
			Categories: []string{policy.CategoryMemory},
		},
		{
			Name:       ToolSearchMemory,
			Categories: []string{policy.CategoryMemory},
		},
		{
			Name:       ToolGetSecret,
			Categories: []string{policy.CategoryPlatform},
		},
		{
			Name:       ToolCommentOnTask,
			Categories: []string{policy.CategoryTasking},
		},
		{
			Name:       ToolCreateTask,
			Categories: []string{policy.CategoryTasking},
		},
		{
			Name:       ToolMarkComplete,
			Categories: []string{policy.CategoryTasking},
		},
	}
}

// Names returns the fixed tool names in catalog order.
func Names() []string {
	specs := Catalog()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
