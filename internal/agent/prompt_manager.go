package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const plannerFile = "planner.md"

// defaultPlannerPrompt is used when the prompts directory has no planner.md.
const defaultPlannerPrompt = `You turn user requests into executable plans.

When the request needs actions, call propose_plan with an ordered list of steps.
Each step has:
- tool: one of the available tool names, exactly as listed (e.g. "GitHub.createRepo")
- args: an object with the arguments of that tool

A step can use the output of an earlier step: add "<arg>Ref": <index> where
<index> is the 0-based position of the earlier step. For example
{"tool": "GitHub.addFile", "args": {"repo": "demo", "path": "README.md", "contentRef": 1}}
receives the output of step 1 as its "content" argument.

Keep plans short. Never invent tools. When no tool is needed, answer in plain text.`

type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// GetPersonaPrompt joins every markdown file except planner.md, identity and
// soul first.
func (pm *PromptManager) GetPersonaPrompt() (string, error) {
	files, err := os.ReadDir(pm.Directory)
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	order := map[string]int{
		"identity.md":     1,
		"soul.md":         2,
		"capabilities.md": 3,
		"user.md":         4,
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i].Name()]
		oj, okJ := order[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".md") && f.Name() != plannerFile {
			path := filepath.Join(pm.Directory, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
				continue
			}
			contents = append(contents, string(data))
		}
	}

	if len(contents) == 0 {
		return "", fmt.Errorf("no prompt files found in %s", pm.Directory)
	}

	return strings.Join(contents, "\n\n---\n\n"), nil
}

// GetPlannerPrompt returns planner.md, or the built-in prompt when it is missing.
func (pm *PromptManager) GetPlannerPrompt() (string, error) {
	path := filepath.Join(pm.Directory, plannerFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultPlannerPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read planner prompt: %v", err)
	}
	return string(data), nil
}
