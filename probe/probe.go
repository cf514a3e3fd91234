// Package probe reports what the host kvm device supports.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/polished-os/polished/kvm"
)

// ErrMissingCapability reports a host that cannot run the machine.
var ErrMissingCapability = errors.New("missing kvm capability")

// Required are the capabilities the machine depends on.
var Required = []kvm.Capability{
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapSetIdentityMapAddr,
}

// Capabilities queries every known capability of the kvm device dev and
// prints the result to w.
func Capabilities(dev string, w io.Writer) error {
	kvmFile, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	v, err := kvm.GetAPIVersion(kvmfd)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "KVM API version %d.\n", v)

	caps := map[kvm.Capability]int{}

	for _, c := range kvm.Capabilities() {
		n, err := kvm.CheckExtension(kvmfd, c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}

		caps[c] = n
	}

	return Report(w, caps)
}

// Report prints caps as enabled and disabled lists and fails if a
// required capability is disabled.
func Report(w io.Writer, caps map[kvm.Capability]int) error {
	printFeatures(w, kvm.Capabilities(), caps)

	var missing []kvm.Capability

	for _, c := range Required {
		if caps[c] == 0 {
			missing = append(missing, c)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingCapability, missing)
	}

	return nil
}

type feature interface {
	comparable
	fmt.Stringer
}

func printFeatures[T feature](w io.Writer, features []T, enabledBy map[T]int) {
	enabled := []T{}
	disabled := []T{}

	for _, f := range features {
		if enabledBy[f] != 0 {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, f := range enabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, f := range disabled {
		fmt.Fprintf(w, " %s", f)
	}

	fmt.Fprintf(w, "\n")
}
