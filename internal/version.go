package internal

import (
	"fmt"
	"runtime"
)

// Version is the current version of nerdhub
const Version = "0.3.0"

// UserAgent identifies nerdhub clients to the server and the HTTP fallback.
func UserAgent() string {
	return fmt.Sprintf("nerdhub/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
