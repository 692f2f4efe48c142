package runnable

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
)

type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a deferrable function that recovers a panic, logs
// it and stores it as a step fault in errp.
func MakePanicHandler(logger PanicLogger) func(funcName string, errp *error, fields ...map[string]any) {
	return func(funcName string, errp *error, fields ...map[string]any) {
		if r := recover(); r != nil {
			stack := captureStack()
			if logger != nil {
				logger(funcName, r, stack, fields...)
			}
			if errp != nil {
				*errp = PanicFault(funcName, r, stack)
			}
		}
	}
}

// Recover is the default handler used around step callables.
var Recover = MakePanicHandler(DefaultPanicLogger)

// PanicFault converts a recovered panic value into a step fault.
func PanicFault(funcName string, value any, stack []byte) error {
	var source error
	if err, ok := value.(error); ok {
		source = err
	} else {
		source = fmt.Errorf("%v", value)
	}
	return NewFault(ErrStep, fmt.Sprintf("panic in %s", funcName), source, map[string]any{
		"panic": fmt.Sprintf("%v", value),
		"stack": string(stack),
	})
}

func DefaultPanicLogger(funcName string, err any, stack []byte, fields ...map[string]any) {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[FATAL] recovered from panic in %s\n", funcName))
	sb.WriteString(fmt.Sprintf("Error: %v\n", err))
	sb.WriteString(fmt.Sprintf("Error Type: %T\n", err))

	if len(fields) > 0 && fields[0] != nil {
		sb.WriteString("Context:\n")

		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, fields[0][k]))
		}
	}

	sb.WriteString("Stack Trace:\n")
	sb.Write(stack)

	log.Print(sb.String())
}

// SilentPanicLogger discards panic reports. The fault is still returned.
func SilentPanicLogger(string, any, []byte, ...map[string]any) {}

func captureStack() []byte {
	full := make([]byte, 8096)
	n := runtime.Stack(full, false)
	return cleanStackTrace(full[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
