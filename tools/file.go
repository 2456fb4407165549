package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileTool exposes read_file, write_file and list_directory operations,
// confined to a root directory.
type FileTool struct {
	Root string
}

func (FileTool) Name() string        { return "file_operations" }
func (FileTool) Description() string { return "read, write and list files under the tool root" }

func (t FileTool) Execute(_ context.Context, params Params) (any, error) {
	op, _ := params["operation"].(string)
	path, _ := params["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("file_operations: missing path parameter")
	}

	abs, err := t.resolve(path)
	if err != nil {
		return nil, err
	}

	switch op {
	case "read_file":
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("file_operations: %w", err)
		}
		return map[string]any{"path": path, "content": string(data), "size": len(data)}, nil

	case "write_file":
		content, _ := params["content"].(string)
		if createDirs, _ := params["create_dirs"].(bool); createDirs {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, fmt.Errorf("file_operations: %w", err)
			}
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("file_operations: %w", err)
		}
		return map[string]any{"path": path, "bytes_written": len(content)}, nil

	case "list_directory":
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("file_operations: %w", err)
		}
		names := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			names = append(names, map[string]any{"name": e.Name(), "dir": e.IsDir()})
		}
		return map[string]any{"path": path, "entries": names}, nil

	default:
		return nil, fmt.Errorf("file_operations: unsupported operation %q", op)
	}
}

// resolve joins path under the root and rejects traversal outside it.
func (t FileTool) resolve(path string) (string, error) {
	root := t.Root
	if root == "" {
		root = os.TempDir()
	}

	abs := filepath.Join(root, filepath.Clean("/"+path))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("file_operations: path %q escapes tool root", path)
	}
	return abs, nil
}

// DefaultRegistry builds a registry with every built-in tool installed.
// searchKey may be empty; web_search then reports a configuration error
// per invocation instead of being absent.
func DefaultRegistry(fileRoot, searchKey string) *Registry {
	reg := NewRegistry()
	reg.Register(MathTool{})
	reg.Register(EchoTool{})
	reg.Register(FileTool{Root: fileRoot})
	reg.Register(WebSearchTool{APIKey: searchKey})
	return reg
}
