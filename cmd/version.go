package cmd

import (
	"fmt"
	"runtime"
)

// RunVersion prints the application version.
func RunVersion(appName, appVersion string) error {
	fmt.Printf("%s version %s (%s/%s)\n", appName, appVersion, runtime.GOOS, runtime.GOARCH)
	return nil
}
