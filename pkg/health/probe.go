package health

import "strings"

// Node-data keys NODE_CHECK reads to decide whether a node carries an
// explicit probe configuration on top of its profile driver's own Check.
const (
	DataKeyCheckType    = "health_check.type"
	DataKeyCheckTarget  = "health_check.target"
	DataKeyCheckCommand = "health_check.command"
)

// BuildChecker selects and constructs a Checker from a node's data by
// switching on its health_check.type tag. It returns ok=false when the
// node carries no probe configuration, which callers treat as "defer
// entirely to the profile driver's Check".
func BuildChecker(data map[string]string) (Checker, bool) {
	if data == nil {
		return nil, false
	}
	target := data[DataKeyCheckTarget]
	switch CheckType(data[DataKeyCheckType]) {
	case CheckTypeHTTP:
		if target == "" {
			return nil, false
		}
		return NewHTTPChecker(target), true
	case CheckTypeTCP:
		if target == "" {
			return nil, false
		}
		return NewTCPChecker(target), true
	case CheckTypeExec:
		command := strings.Fields(data[DataKeyCheckCommand])
		if len(command) == 0 {
			return nil, false
		}
		return NewExecChecker(command), true
	default:
		return nil, false
	}
}
