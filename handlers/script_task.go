package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/runtime"
)

// DefaultScriptTimeout bounds script_task nodes that set no timeout.
const DefaultScriptTimeout = 30 * time.Second

// ScriptTask runs a command with the node inputs as JSON on stdin. Stdout
// that parses as JSON becomes the output; anything else is returned as a
// trimmed string. A non-zero exit fails the node with stderr attached.
//
// Config: command (required), args (templates), dir, env.
type ScriptTask struct{}

// Execute runs the command.
func (ScriptTask) Execute(ctx context.Context, config map[string]any, input map[string]any) (core.Result, error) {
	command := strings.TrimSpace(configString(config, "command"))
	if command == "" {
		return configError("script_task: command is required"), nil
	}
	if _, err := exec.LookPath(command); err != nil {
		return configError("script_task: %v", err), nil
	}

	rawArgs, _ := configStringSlice(config, "args")
	args := make([]string, 0, len(rawArgs))
	for i, a := range rawArgs {
		rendered, err := renderTemplate("arg", a, input)
		if err != nil {
			return configError("script_task: arg %d: %v", i, err), nil
		}
		args = append(args, rendered)
	}

	stdin, err := json.Marshal(input)
	if err != nil {
		return core.FailPermanent(ErrTypeInput, fmt.Sprintf("script_task: encode inputs: %v", err)), nil
	}

	// #nosec G204 -- command and args come from the workflow definition.
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = configString(config, "dir")
	cmd.Env = append(os.Environ(), flattenEnv(scriptEnv(ctx, configStringMap(config, "env")))...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.Result{}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return core.Fail(ErrTypeScript, fmt.Sprintf("script_task: %s exited with code %d: %s",
				command, exitErr.ExitCode(), truncate(strings.TrimSpace(stderr.String()), 1024))), nil
		}
		return core.Fail(ErrTypeScript, fmt.Sprintf("script_task: %v", err)), nil
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var decoded any
	if len(out) > 0 && json.Unmarshal(out, &decoded) == nil {
		return core.OK(decoded), nil
	}
	return core.OK(string(out)), nil
}

// scriptEnv adds the SESSIONFLOW_* identity of the running node to the
// configured variables. Configured values win.
func scriptEnv(ctx context.Context, env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+4)
	if info, ok := runtime.NodeFromContext(ctx); ok {
		out["SESSIONFLOW_SESSION_ID"] = info.SessionID
		out["SESSIONFLOW_WORKFLOW_ID"] = info.WorkflowID
		out["SESSIONFLOW_NODE_ID"] = info.NodeID
		out["SESSIONFLOW_ATTEMPT"] = strconv.Itoa(info.Attempt)
	}
	for k, v := range env {
		out[k] = v
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
