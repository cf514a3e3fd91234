package kvm

import "fmt"

// Capability is a KVM extension number for CheckExtension.
type Capability uint

const (
	CapIRQChip            Capability = 0
	CapHLT                Capability = 1
	CapUserMemory         Capability = 3
	CapSetTSSAddr         Capability = 4
	CapEXTCPUID           Capability = 7
	CapNRVCPUs            Capability = 9
	CapNRMemSlots         Capability = 10
	CapMPState            Capability = 14
	CapCoalescedMMIO      Capability = 15
	CapIOMMU              Capability = 18
	CapUserNMI            Capability = 22
	CapSetGuestDebug      Capability = 23
	CapIRQRouting         Capability = 25
	CapPIT2               Capability = 33
	CapSetIdentityMapAddr Capability = 37
	CapVCPUEvents         Capability = 41
	CapDebugRegs          Capability = 50
	CapXSave              Capability = 55
	CapKVMClockCtrl       Capability = 76
	CapImmediateExit      Capability = 136
)

var capNames = map[Capability]string{
	CapIRQChip:            "CapIRQChip",
	CapHLT:                "CapHLT",
	CapUserMemory:         "CapUserMemory",
	CapSetTSSAddr:         "CapSetTSSAddr",
	CapEXTCPUID:           "CapEXTCPUID",
	CapNRVCPUs:            "CapNRVCPUs",
	CapNRMemSlots:         "CapNRMemSlots",
	CapMPState:            "CapMPState",
	CapCoalescedMMIO:      "CapCoalescedMMIO",
	CapIOMMU:              "CapIOMMU",
	CapUserNMI:            "CapUserNMI",
	CapSetGuestDebug:      "CapSetGuestDebug",
	CapIRQRouting:         "CapIRQRouting",
	CapPIT2:               "CapPIT2",
	CapSetIdentityMapAddr: "CapSetIdentityMapAddr",
	CapVCPUEvents:         "CapVCPUEvents",
	CapDebugRegs:          "CapDebugRegs",
	CapXSave:              "CapXSave",
	CapKVMClockCtrl:       "CapKVMClockCtrl",
	CapImmediateExit:      "CapImmediateExit",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// Capabilities lists every capability known to this package, in ascending order.
func Capabilities() []Capability {
	return []Capability{
		CapIRQChip, CapHLT, CapUserMemory, CapSetTSSAddr, CapEXTCPUID,
		CapNRVCPUs, CapNRMemSlots, CapMPState, CapCoalescedMMIO, CapIOMMU,
		CapUserNMI, CapSetGuestDebug, CapIRQRouting, CapPIT2, CapSetIdentityMapAddr,
		CapVCPUEvents, CapDebugRegs, CapXSave, CapKVMClockCtrl, CapImmediateExit,
	}
}

// CheckExtension returns the value KVM reports for cap; zero means unsupported.
func CheckExtension(kvmFd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}
