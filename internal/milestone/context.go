package milestone

import (
	"fmt"
	"os"
)

// CheckContextFile verifies that contextFilePath exists before it is
// handed to the agent. The core does not create workspace_path or
// context_file_path (spec.md §4.6); it only observes their presence,
// the way the rest of this codebase checks for an optional local file
// before falling back to other behavior.
func CheckContextFile(contextFilePath string) error {
	if _, err := os.Stat(contextFilePath); err != nil {
		return fmt.Errorf("milestone: context file %s: %w", contextFilePath, err)
	}
	return nil
}
