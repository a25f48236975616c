//go:build !linux

package capture

import "fmt"

func newV4L2Source() (Source, error) {
	return nil, fmt.Errorf("capture: %s backend requires linux", BackendV4L2)
}
