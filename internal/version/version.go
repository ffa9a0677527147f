// Package version prints the version metadata of the binary.
package version

import (
	"github.com/prometheus/common/version"
)

// ControllerName is the program name printed in the version information.
const ControllerName = "killkrill"

func Version() string {
	return version.Print(ControllerName)
}
