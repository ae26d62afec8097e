package tool

import (
	"fmt"

	"chanbridge/internal/domain"
)

// BuiltinNames lists every built-in tool in registration order.
var BuiltinNames = []string{"read_file", "write_file", "list_dir", "system_info", "send_progress"}

// Builtins returns the named built-in tools bound to ws. An empty list
// selects all of them.
func Builtins(enabled []string, ws Workspace) ([]domain.Tool, error) {
	if len(enabled) == 0 {
		enabled = BuiltinNames
	}
	tools := make([]domain.Tool, 0, len(enabled))
	for _, name := range enabled {
		switch name {
		case "read_file":
			tools = append(tools, NewReadFileTool(ws))
		case "write_file":
			tools = append(tools, NewWriteFileTool(ws))
		case "list_dir":
			tools = append(tools, NewListDirTool(ws))
		case "system_info":
			tools = append(tools, NewSysInfoTool(ws.Root))
		case "send_progress":
			tools = append(tools, NewProgressTool())
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
	}
	return tools, nil
}
