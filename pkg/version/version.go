package version

import (
	"reflect"
	"strconv"
	"strings"
)

// BinaryGitHash is the Git hash of the Tuscheduler binary file which is executing.
var BinaryGitHash = "<unknown>"

// Binary is Tuscheduler's API version, parsed at init from the text after the
// first character of the last dot-separated part of this package's import
// path. For an import path whose last part is not of that form, such as this
// module's, the parse fails and Binary stays 0.
var Binary = 0

type versionProbe struct{}

func init() {
	parts := strings.Split(reflect.TypeOf(versionProbe{}).PkgPath(), ".")
	Binary, _ = strconv.Atoi(parts[len(parts)-1][1:])
}
