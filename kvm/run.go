package kvm

import "unsafe"

// RunData is the shared kvm_run page of a vCPU.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes an EXITIO: direction, access size, port, repeat count
// and the offset of the data inside the RunData page.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// IOData returns the data buffer of an EXITIO.
func (r *RunData) IOData() []byte {
	_, size, _, count, offset := r.IO()
	base := unsafe.Add(unsafe.Pointer(r), uintptr(offset))

	return unsafe.Slice((*byte)(base), size*count)
}

// Exit returns the exit reason as an ExitType.
func (r *RunData) Exit() ExitType {
	return ExitType(r.ExitReason)
}
