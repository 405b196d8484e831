package document

import "strings"

// NormalizeUpdate returns update in operator form. A patch without any "$" operator keys is
// treated as a field replacement set and wrapped in "$set".
func NormalizeUpdate(update map[string]interface{}) map[string]interface{} {
	if len(update) == 0 {
		return map[string]interface{}{}
	}
	for key := range update {
		if strings.HasPrefix(key, "$") {
			return update
		}
	}
	return map[string]interface{}{"$set": update}
}
