package projection

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

//MissingValueMarker is rendered in place of unresolvable or empty values
const MissingValueMarker = "—"

//placeholderPattern matches {{ path }} placeholders
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

//RenderTemplate replaces every {{path}} placeholder in the template with the
//value found by walking path through the context. The reserved paths entityId
//and entityType resolve against the entity envelope before any attribute
//lookup takes place. Missing paths render as the missing value marker and
//never fail the whole template.
func RenderTemplate(template string, context map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		submatch := placeholderPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		path := strings.TrimSpace(submatch[1])

		// the entity envelope wins over same-named attributes
		if path == "entityId" || path == "entityType" {
			if value, ok := context[path]; ok {
				return FormatValue(value)
			}
			return MissingValueMarker
		}

		value, ok := ResolvePath(path, context)
		if !ok {
			return MissingValueMarker
		}

		return FormatValue(value)
	})
}

//FormatValue renders a resolved value for display: booleans become human
//labels, integral numbers print as-is, other numbers with two decimals,
//objects as their JSON text and missing values as the marker
func FormatValue(value interface{}) string {
	switch typed := value.(type) {
	case nil:
		return MissingValueMarker
	case bool:
		if typed {
			return "Yes"
		}
		return "No"
	case string:
		return typed
	case float64:
		if typed == math.Trunc(typed) {
			return strconv.FormatFloat(typed, 'f', -1, 64)
		}
		return strconv.FormatFloat(typed, 'f', 2, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
