package toolcall

import "strings"

// Op is a canonical tool operation. Incoming tool names vary across
// agent versions; Normalize maps all known aliases onto this closed set.
type Op string

const (
	OpShell         Op = "shell"
	OpReadFile      Op = "read_file"
	OpWriteFile     Op = "write_file"
	OpEditFile      Op = "edit_file"
	OpReapply       Op = "reapply"
	OpDeleteFile    Op = "delete_file"
	OpListDir       Op = "list_dir"
	OpGrepSearch    Op = "grep_search"
	OpFileSearch    Op = "file_search"
	OpKeywordSearch Op = "keyword_search"
	OpLintCheck     Op = "lint_check"
	OpTodoWrite     Op = "todo_write"
	OpUnknown       Op = ""
)

var opAliases = map[string]Op{
	"run_terminal_cmd":     OpShell,
	"run_terminal_command": OpShell,
	"run_command":          OpShell,
	"execute_command":      OpShell,
	"shell":                OpShell,
	"bash":                 OpShell,
	"terminal":             OpShell,

	"read_file": OpReadFile,
	"read":      OpReadFile,
	"view_file": OpReadFile,
	"open_file": OpReadFile,
	"cat":       OpReadFile,

	"write":       OpWriteFile,
	"write_file":  OpWriteFile,
	"create_file": OpWriteFile,

	"edit_file":  OpEditFile,
	"edit":       OpEditFile,
	"apply_edit": OpEditFile,

	"reapply": OpReapply,

	"delete_file": OpDeleteFile,
	"delete":      OpDeleteFile,
	"remove_file": OpDeleteFile,

	"list_dir":       OpListDir,
	"list_directory": OpListDir,
	"list_files":     OpListDir,
	"ls":             OpListDir,

	"grep_search":    OpGrepSearch,
	"grep":           OpGrepSearch,
	"regex_search":   OpGrepSearch,
	"search_regex":   OpGrepSearch,
	"content_search": OpGrepSearch,

	"file_search":       OpFileSearch,
	"find_file":         OpFileSearch,
	"fuzzy_file_search": OpFileSearch,

	"codebase_search": OpKeywordSearch,
	"keyword_search":  OpKeywordSearch,
	"search":          OpKeywordSearch,

	"read_lints":  OpLintCheck,
	"lint":        OpLintCheck,
	"lint_check":  OpLintCheck,
	"check_lints": OpLintCheck,

	"todo_write": OpTodoWrite,
	"todo":       OpTodoWrite,
	"todos":      OpTodoWrite,
}

// Normalize maps a raw incoming tool name onto a canonical Op.
// Unrecognized names return OpUnknown.
func Normalize(rawName string) Op {
	name := strings.ToLower(strings.TrimSpace(rawName))
	name = strings.TrimPrefix(name, "mcp_")
	name = strings.TrimPrefix(name, "builtin_")
	if op, ok := opAliases[name]; ok {
		return op
	}
	return OpUnknown
}
