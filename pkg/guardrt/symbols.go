package guardrt

import "reflect"

// ImportPath is the path generated guards use to import this package.
const ImportPath = "toolguard/pkg/guardrt"

// Symbols exports this package to a yaegi interpreter so interpreted guards
// and fixtures can import ImportPath. Keys follow yaegi's "path/name"
// convention.
var Symbols = map[string]map[string]reflect.Value{
	ImportPath + "/guardrt": {
		"PolicyViolation": reflect.ValueOf((*PolicyViolation)(nil)),
		"T":               reflect.ValueOf((*T)(nil)),
		"Violation":       reflect.ValueOf(Violation),
		"AsViolation":     reflect.ValueOf(AsViolation),
		"IsViolation":     reflect.ValueOf(IsViolation),
		"NewT":            reflect.ValueOf(NewT),
		"RunTest":         reflect.ValueOf(RunTest),
	},
}
