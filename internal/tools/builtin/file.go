// Package builtin implements the fixed built-in tool set of spec
// §4.5.1: file I/O, shell, git, test running, and the three external
// coder agents. Grounded on the teacher's internal/tactile executors
// for the shell/process shape and internal/perception's CLI coder
// clients for the external-agent shape; file and git tools have no
// direct teacher analogue and are written in the same idiom.
package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hama-jp/open-harness/internal/types"
)

func stringArg(args map[string]any, name string) (string, bool) {
	v, ok := args[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolArg(args map[string]any, name string) bool {
	v, ok := args[name]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ReadFile reads the file at path. Binary content is rendered as-is;
// the executor's output truncation happens one layer up.
func ReadFile(_ context.Context, args map[string]any) (string, error) {
	path, _ := stringArg(args, "path")
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	return string(b), nil
}

// WriteFile writes content to path, creating parent directories as
// needed. The Policy Engine, not this function, enforces where writes
// may land (spec §4.6).
func WriteFile(_ context.Context, args map[string]any) (string, error) {
	path, _ := stringArg(args, "path")
	content, _ := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// EditFile replaces the first occurrence of find with replace in the
// file at path. Ambiguous (zero or multiple) matches are a failure so
// the model can narrow its find string rather than silently editing
// the wrong occurrence.
func EditFile(_ context.Context, args map[string]any) (string, error) {
	path, _ := stringArg(args, "path")
	find, _ := stringArg(args, "find")
	replace, _ := stringArg(args, "replace")

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}
	content := string(b)

	count := strings.Count(content, find)
	switch count {
	case 0:
		return "", fmt.Errorf("edit_file: find string not present in %s", path)
	case 1:
		// exact
	default:
		return "", fmt.Errorf("edit_file: find string matches %d times in %s, not unique", count, path)
	}

	updated := strings.Replace(content, find, replace, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}
	return fmt.Sprintf("replaced 1 occurrence in %s", path), nil
}

// ListDir lists entries under path, optionally filtered by a glob
// pattern matched against the entry's base name.
func ListDir(_ context.Context, args map[string]any) (string, error) {
	path, _ := stringArg(args, "path")
	glob, hasGlob := stringArg(args, "glob")

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list_dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if hasGlob && glob != "" {
			ok, err := filepath.Match(glob, e.Name())
			if err != nil {
				return "", fmt.Errorf("list_dir: bad glob %q: %w", glob, err)
			}
			if !ok {
				continue
			}
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// SearchFiles greps for pattern under path (a file or a directory
// tree), returning "path:line: text" per match. is_regex=false (the
// default) treats pattern as a literal substring.
func SearchFiles(_ context.Context, args map[string]any) (string, error) {
	pattern, _ := stringArg(args, "pattern")
	root, _ := stringArg(args, "path")
	isRegex := boolArg(args, "is_regex")

	var re *regexp.Regexp
	if isRegex {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("search_files: bad regex: %w", err)
		}
	}

	var out []string
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil // unreadable file: skip, don't abort the whole search
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			matched := false
			if re != nil {
				matched = re.MatchString(line)
			} else {
				matched = strings.Contains(line, pattern)
			}
			if matched {
				out = append(out, fmt.Sprintf("%s:%d: %s", p, lineNo, line))
			}
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("search_files: %w", walkErr)
	}
	if len(out) == 0 {
		return "no matches", nil
	}
	return strings.Join(out, "\n"), nil
}

var (
	readFileDescriptor = types.ToolDescriptor{
		Name:        "read_file",
		Description: "Read the contents of a file.",
		SideEffect:  types.SideEffectRead,
		Args:        []types.ArgSpec{{Name: "path", Type: "string", Required: true}},
	}
	writeFileDescriptor = types.ToolDescriptor{
		Name:        "write_file",
		Description: "Write content to a file, creating it or overwriting it entirely.",
		SideEffect:  types.SideEffectWrite,
		Args: []types.ArgSpec{
			{Name: "path", Type: "string", Required: true},
			{Name: "content", Type: "string", Required: true},
		},
	}
	editFileDescriptor = types.ToolDescriptor{
		Name:        "edit_file",
		Description: "Replace one occurrence of a find string with a replace string in a file.",
		SideEffect:  types.SideEffectWrite,
		Args: []types.ArgSpec{
			{Name: "path", Type: "string", Required: true},
			{Name: "find", Type: "string", Required: true},
			{Name: "replace", Type: "string", Required: true},
		},
	}
	listDirDescriptor = types.ToolDescriptor{
		Name:        "list_dir",
		Description: "List entries in a directory, optionally filtered by glob.",
		SideEffect:  types.SideEffectRead,
		Args: []types.ArgSpec{
			{Name: "path", Type: "string", Required: true},
			{Name: "glob", Type: "string", Required: false},
		},
	}
	searchFilesDescriptor = types.ToolDescriptor{
		Name:        "search_files",
		Description: "Search for a pattern in files under a path.",
		SideEffect:  types.SideEffectRead,
		Args: []types.ArgSpec{
			{Name: "pattern", Type: "string", Required: true},
			{Name: "path", Type: "string", Required: true},
			{Name: "is_regex", Type: "boolean", Required: false},
		},
	}
)
