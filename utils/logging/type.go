package logging

import (
	"fmt"
)

// Type returns the type name of the given value for log fields.
func Type(obj interface{}) string {
	return fmt.Sprintf("%T", obj)
}
