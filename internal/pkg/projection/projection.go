package projection

import (
	"strconv"
	"strings"
)

//UnwrapAttribute projects an NGSI-LD value wrapper to its plain value. A
//Property or GeoProperty contributes its value, a Relationship its object.
//Anything that does not follow the wrapper shape passes through unchanged,
//so malformed or legacy attributes never break rendering.
func UnwrapAttribute(attribute interface{}) interface{} {
	wrapper, ok := attribute.(map[string]interface{})
	if !ok {
		return attribute
	}

	wrapperType, ok := wrapper["type"].(string)
	if !ok {
		return attribute
	}

	switch wrapperType {
	case "Property", "GeoProperty":
		if value, ok := wrapper["value"]; ok {
			return value
		}
	case "Relationship":
		if object, ok := wrapper["object"]; ok {
			return object
		}
		if value, ok := wrapper["value"]; ok {
			return value
		}
	}

	return attribute
}

//ProjectAttributes unwraps every attribute of an entity
func ProjectAttributes(attributes map[string]interface{}) map[string]interface{} {
	projected := map[string]interface{}{}

	for name, attribute := range attributes {
		projected[name] = UnwrapAttribute(attribute)
	}

	return projected
}

//ExtractAttributePaths walks a projected attribute tree and returns one dot
//joined path per leaf value. Objects are recursed into, as are sequences of
//objects (addressed by index); sequences of scalars count as leaves.
func ExtractAttributePaths(attributes map[string]interface{}) []string {
	paths := []string{}

	for name, value := range attributes {
		collectPaths(name, value, &paths)
	}

	return paths
}

func collectPaths(prefix string, value interface{}, paths *[]string) {
	switch typed := value.(type) {
	case map[string]interface{}:
		if len(typed) == 0 {
			*paths = append(*paths, prefix)
			return
		}
		for name, child := range typed {
			collectPaths(prefix+"."+name, child, paths)
		}
	case []interface{}:
		if !containsObjects(typed) {
			*paths = append(*paths, prefix)
			return
		}
		for index, child := range typed {
			collectPaths(prefix+"."+strconv.Itoa(index), child, paths)
		}
	default:
		*paths = append(*paths, prefix)
	}
}

func containsObjects(values []interface{}) bool {
	for _, value := range values {
		if _, ok := value.(map[string]interface{}); ok {
			return true
		}
	}

	return false
}

//ResolvePath walks a dot separated path through nested maps and sequences.
//The second return value is false when any segment is missing or the walk
//hits a value that can not be traversed further.
func ResolvePath(path string, context map[string]interface{}) (interface{}, bool) {
	var current interface{} = context

	for _, segment := range strings.Split(path, ".") {
		switch typed := current.(type) {
		case map[string]interface{}:
			value, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}

	return current, true
}
