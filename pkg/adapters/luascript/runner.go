// Package luascript runs script nodes written in Lua inside a stripped-down
// interpreter with no file, OS or module access.
package luascript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
)

const (
	Language = "lua"

	varsGlobal      = "vars"
	globalTable     = "_G"
	hookInstruction = 1000
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
	ErrLuaTimeout   = errors.New("lua script timed out")
)

var sandboxExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// Runner implements protocol.ScriptRunner for the "lua" language. Each run gets
// a fresh state seeded with a copy of the variables as the global table vars.
type Runner struct {
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger.With("module", "lua_runner")}
}

func (r *Runner) Run(ctx context.Context, language, source string, snapshot models.Variables) (any, error) {
	if !strings.EqualFold(language, Language) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedLanguage, language)
	}

	type outcome struct {
		value any
		err   error
	}

	done := make(chan outcome, 1)

	go func() {
		value, err := r.execute(ctx, source, snapshot)
		done <- outcome{value: value, err: err}
	}()

	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		// The count hook stops the interpreter shortly after.
		return nil, fmt.Errorf("%w: %w", ErrLuaTimeout, ctx.Err())
	}
}

func (r *Runner) execute(ctx context.Context, source string, snapshot models.Variables) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrLuaExecution, recovered)
		}
	}()

	l := lua.NewState()
	setupSandbox(l)

	lua.SetDebugHook(l, func(state *lua.State, _ lua.Debug) {
		if ctx.Err() != nil {
			lua.Errorf(state, "%s", ErrLuaTimeout.Error())
		}
	}, lua.MaskCount, hookInstruction)

	pushMap(l, snapshot)
	l.SetGlobal(varsGlobal)

	err = lua.LoadString(l, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	err = l.ProtectedCall(0, 1, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrLuaTimeout, ctx.Err())
		}

		return nil, fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}

	value = toGo(l, -1)
	l.Pop(1)

	r.logger.DebugContext(ctx, "Lua script finished")

	return value, nil
}

func setupSandbox(l *lua.State) {
	lua.OpenLibraries(l)
	l.Global(globalTable)

	for _, name := range sandboxExclude {
		l.PushNil()
		l.SetField(-2, name)
	}

	l.Pop(1)
}

func push(l *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		l.PushNil()
	case string:
		l.PushString(v)
	case bool:
		l.PushBoolean(v)
	case int:
		l.PushInteger(v)
	case int64:
		l.PushInteger(int(v))
	case float64:
		l.PushNumber(v)
	case float32:
		l.PushNumber(float64(v))
	case []any:
		pushArray(l, v)
	case []string:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = item
		}

		pushArray(l, items)
	case map[string]any:
		pushMap(l, v)
	case models.Variables:
		pushMap(l, v)
	default:
		l.PushString(fmt.Sprintf("%v", v))
	}
}

func pushArray(l *lua.State, items []any) {
	l.CreateTable(len(items), 0)

	for i, item := range items {
		l.PushInteger(i + 1)
		push(l, item)
		l.SetTable(-3)
	}
}

func pushMap(l *lua.State, values map[string]any) {
	l.CreateTable(0, len(values))

	for key, value := range values {
		l.PushString(key)
		push(l, value)
		l.SetTable(-3)
	}
}

func toGo(l *lua.State, index int) any {
	switch l.TypeOf(index) {
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeNumber:
		number, _ := l.ToNumber(index)
		if number == float64(int(number)) {
			return int(number)
		}

		return number
	case lua.TypeString:
		text, _ := l.ToString(index)

		return text
	case lua.TypeTable:
		return tableToGo(l, index)
	default:
		// nil, functions, userdata and threads never leave the sandbox.
		return nil
	}
}

func tableToGo(l *lua.State, index int) any {
	index = l.AbsIndex(index)

	length := 0
	isArray := true

	l.PushNil()

	for l.Next(index) {
		if !l.IsNumber(-2) {
			isArray = false
		}

		length++
		l.Pop(1)
	}

	if isArray && length > 0 {
		items := make([]any, length)

		for i := 1; i <= length; i++ {
			l.RawGetInt(index, i)
			items[i-1] = toGo(l, -1)
			l.Pop(1)
		}

		return items
	}

	result := map[string]any{}

	l.PushNil()

	for l.Next(index) {
		// ToString on a numeric key would convert it in place and break Next.
		key := fmt.Sprintf("%v", toGo(l, -2))
		if l.TypeOf(-2) == lua.TypeString {
			key, _ = l.ToString(-2)
		}

		result[key] = toGo(l, -1)
		l.Pop(1)
	}

	return result
}
