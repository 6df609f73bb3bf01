package lib

import (
	"bytes"
	"fmt"
	"strings"
)

// GetStacktrace return stack-trace in human readable format, used by the
// epoch advancer to log a crash without taking the whole process down.
func GetStacktrace(skip int, stack []byte) string {
	var buf bytes.Buffer
	lines := strings.Split(string(stack), "\n")
	for _, call := range lines[skip*2:] {
		buf.WriteString(fmt.Sprintf("%s\n", call))
	}
	return buf.String()
}
