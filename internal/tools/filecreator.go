package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkdownTool writes markdown documents under a workspace root.
type MarkdownTool struct {
	Root string
}

func NewMarkdownTool(root string) *MarkdownTool {
	absRoot, _ := filepath.Abs(root)
	return &MarkdownTool{Root: absRoot}
}

func (f *MarkdownTool) Name() string { return "FileCreator.createMarkdown" }

func (f *MarkdownTool) Description() string {
	return "Create a markdown file in the local workspace with the given contents."
}

func (f *MarkdownTool) Parameters() map[string]any {
	return object([]string{"filename", "contents"}, map[string]any{
		"filename": stringProp("File name, '.md' is appended when missing"),
		"contents": stringProp("Markdown contents"),
	})
}

func (f *MarkdownTool) Invoke(ctx context.Context, args Args) (Output, error) {
	filename := args.String("filename")
	if filename == "" {
		return Output{}, errors.New("filename is required")
	}
	if !strings.HasSuffix(filename, ".md") {
		filename += ".md"
	}
	contents := args.String("contents")

	targetPath := filepath.Join(f.Root, filename)

	// targetPath must stay within f.Root
	rel, err := filepath.Rel(f.Root, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Output{}, fmt.Errorf("unsafe path attempt: %s", filename)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return Output{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(targetPath, []byte(contents), 0644); err != nil {
		return Output{}, fmt.Errorf("failed to write file: %w", err)
	}

	return Output{
		Content: contents,
		Fields: map[string]any{
			"fileName":  filename,
			"localPath": targetPath,
			"size":      len(contents),
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}
