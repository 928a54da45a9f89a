package style

import (
	"fmt"
	"sort"
	"strings"

	"github.com/heroku/color"
)

// Symbol styles a symbol for logging and error text.
var Symbol = func(value string) string {
	if color.Enabled() {
		return Key(value)
	}
	return "'" + value + "'"
}

// SymbolF styles a formatted symbol.
var SymbolF = func(format string, a ...interface{}) string {
	if color.Enabled() {
		return KeyF(format, a...)
	}
	return "'" + fmt.Sprintf(format, a...) + "'"
}

// Map styles a key/value map with sorted keys.
var Map = func(values map[string]string, prefix, separator string) string {
	result := ""

	var keys []string
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		result += fmt.Sprintf("%s%s=%s%s", prefix, key, values[key], separator)
	}

	if color.Enabled() {
		return Key(strings.TrimSpace(result))
	}

	return "'" + strings.TrimSpace(result) + "'"
}

var Key = color.HiBlueString

var KeyF = color.HiBlueString

var Error = color.New(color.FgRed, color.Bold).SprintfFunc()

var Step = func(format string, a ...interface{}) string {
	return color.CyanString("===> "+format, a...)
}
